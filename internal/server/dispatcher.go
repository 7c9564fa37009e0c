package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	historyStart = "--- Past Messages ---"
	historyEnd   = "--- End of History ---"
	farewell     = "You have exited the chat successfully."
)

// Dispatcher executes parsed client commands against the shared state.
type Dispatcher struct {
	registry    *Registry
	channels    *ChannelStore
	broadcaster *Broadcaster
	events      *Logger
	metrics     *Metrics
	logger      *zap.Logger
}

// NewDispatcher wires a dispatcher to the shared state.
func NewDispatcher(registry *Registry, channels *ChannelStore, broadcaster *Broadcaster, events *Logger, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:    registry,
		channels:    channels,
		broadcaster: broadcaster,
		events:      events,
		metrics:     metrics,
		logger:      logger.Named("dispatcher"),
	}
}

// Dispatch handles one line from sess and reports whether the session asked
// to exit.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, line string) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		d.countCommand("malformed")
		d.broadcaster.SendTo(sess, FormatError(err))
		return false
	}
	d.countCommand(cmd.Name())

	switch c := cmd.(type) {
	case JoinChannel:
		d.join(ctx, sess, c.Channel)
	case PrivateMessage:
		d.private(ctx, sess, c.Target, c.Text)
	case Exit:
		d.broadcaster.SendTo(sess, farewell)
		if err := d.events.LogEvent(ctx, EventExit, sess.Nick(), "SERVER", "exit"); err != nil {
			d.logger.Error("failed to log exit event", zap.Error(err))
		}
		return true
	case Broadcast:
		d.broadcast(ctx, sess, c.Text)
	}
	return false
}

func (d *Dispatcher) join(ctx context.Context, sess *Session, channel string) {
	nick := sess.Nick()

	// Everyone hears about a new channel before its first member is
	// confirmed.
	if d.channels.EnsureChannel(channel) {
		d.channelCreated(ctx, channel)
	}

	// The confirmation and the replay go out as one queue entry while the
	// destination is locked, so no live message lands inside the replay.
	var sendErr error
	_, ok := d.registry.Join(nick, channel, func(history []Message) {
		frames := make([]string, 0, len(history)+3)
		frames = append(frames, "Joined channel: "+channel, historyStart)
		for _, msg := range history {
			frames = append(frames, msg.Text)
		}
		frames = append(frames, historyEnd)
		sendErr = sess.Send(frames...)
	})
	if !ok {
		return
	}
	if sendErr != nil && !isClosedSession(sendErr) {
		d.broadcaster.fail(sess, sendErr)
	}

	if err := d.events.LogEvent(ctx, EventJoin, nick, channel, ""); err != nil {
		d.logger.Error("failed to log join event", zap.Error(err))
	}
}

func (d *Dispatcher) channelCreated(ctx context.Context, channel string) {
	if d.metrics != nil {
		d.metrics.SetChannels(d.channels.Len())
	}
	d.events.ChannelCreated(ctx, channel)
	d.broadcaster.AnnounceChannels()
}

func (d *Dispatcher) private(ctx context.Context, sess *Session, target, text string) {
	from := sess.Nick()
	if err := d.deliverPrivate(ctx, from, target, text); err != nil {
		d.broadcaster.SendTo(sess, fmt.Sprintf("User %s not found.", target))
		return
	}
	d.broadcaster.SendTo(sess, "Private message sent to "+target)
}

func (d *Dispatcher) deliverPrivate(ctx context.Context, from, target, text string) error {
	recipient, ok := d.registry.Lookup(target)
	if !ok || !d.broadcaster.SendTo(recipient, fmt.Sprintf("Private message from %s: %s", from, text)) {
		return NewError(ErrUnknownRecipient, fmt.Sprintf("User %s not found.", target), nil)
	}
	if d.metrics != nil {
		d.metrics.Message(KindPrivate)
	}
	d.events.LogMessage(ctx, from, target, EventPrivate, text)
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, sess *Session, text string) {
	nick := sess.Nick()
	channel, ok := d.registry.ChannelOf(nick)
	if !ok {
		return
	}
	d.publish(ctx, nick, channel, text, nick)
}

func (d *Dispatcher) publish(ctx context.Context, sender, channel, text, exclude string) {
	d.broadcaster.Publish(NewMessage(sender, channel, text), exclude)
	if d.metrics != nil {
		d.metrics.Message(KindBroadcast)
	}
	d.events.LogMessage(ctx, sender, channel, EventMessage, text)
}

// PostAs broadcasts text to an existing channel on behalf of a sender that
// has no session, such as the web operator.
func (d *Dispatcher) PostAs(ctx context.Context, sender, channel, text string) error {
	if !d.channels.Exists(channel) {
		return NewError(ErrUnknownRecipient, fmt.Sprintf("Channel %s not found.", channel), nil)
	}
	d.publish(ctx, sender, channel, text, "")
	return nil
}

// PrivateAs delivers a private message on behalf of a sender that has no
// session.
func (d *Dispatcher) PrivateAs(ctx context.Context, sender, target, text string) error {
	return d.deliverPrivate(ctx, sender, target, text)
}

func (d *Dispatcher) countCommand(name string) {
	if d.metrics != nil {
		d.metrics.Command(name)
	}
}
