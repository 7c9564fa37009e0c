package server

import (
	"strings"

	"go.uber.org/zap"
)

const (
	activeUsersPrefix    = "\nActive Users: "
	activeChannelsPrefix = "\nActive Channels: "
)

// Broadcaster delivers channel messages and process-wide notices. It never
// waits on a transport: every delivery is a queue push, and a recipient
// whose queue refuses a frame is handed to evict.
type Broadcaster struct {
	registry *Registry
	channels *ChannelStore
	metrics  *Metrics
	logger   *zap.Logger
	evict    func(*Session, error)
}

// NewBroadcaster creates a broadcaster. evict is called for every recipient
// that could not be delivered to; it may be nil.
func NewBroadcaster(registry *Registry, channels *ChannelStore, metrics *Metrics, logger *zap.Logger, evict func(*Session, error)) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		registry: registry,
		channels: channels,
		metrics:  metrics,
		logger:   logger.Named("broadcaster"),
		evict:    evict,
	}
}

// FanOut sends text to every member of channel except exclude.
func (b *Broadcaster) FanOut(channel, text, exclude string) {
	b.failAll(b.channels.Deliver(channel, exclude, text, nil))
}

// Publish records msg in its channel's history and fans it out in the same
// step, so history order and delivery order agree.
func (b *Broadcaster) Publish(msg Message, exclude string) {
	b.failAll(b.channels.Deliver(msg.Channel, exclude, msg.Text, &msg))
}

// AnnounceUsers sends the active-user list to every registered session.
func (b *Broadcaster) AnnounceUsers() {
	b.Notice(activeUsersPrefix + strings.Join(b.registry.ListNicknames(), ", "))
}

// AnnounceChannels sends the active-channel list to every registered session.
func (b *Broadcaster) AnnounceChannels() {
	b.Notice(activeChannelsPrefix + strings.Join(b.channels.ActiveChannelNames(), ", "))
}

// Notice sends frames to every registered session.
func (b *Broadcaster) Notice(frames ...string) {
	if b.metrics != nil {
		b.metrics.Message(KindNotice)
	}
	for _, sess := range b.registry.Sessions() {
		b.SendTo(sess, frames...)
	}
}

// SendTo queues frames for one session and reports whether they were
// accepted. A full queue evicts the session; an already closed one is
// skipped.
func (b *Broadcaster) SendTo(sess *Session, frames ...string) bool {
	err := sess.Send(frames...)
	if err == nil {
		return true
	}
	if !isClosedSession(err) {
		b.fail(sess, err)
	}
	return false
}

func (b *Broadcaster) failAll(failed []*Session) {
	for _, sess := range failed {
		b.fail(sess, ErrSendQueueFull)
	}
}

func (b *Broadcaster) fail(sess *Session, err error) {
	b.logger.Warn("delivery failed", zap.Stringer("session", sess), zap.Error(err))
	if b.metrics != nil {
		b.metrics.FanoutFailure()
	}
	if b.evict != nil {
		b.evict(sess, err)
	}
}
