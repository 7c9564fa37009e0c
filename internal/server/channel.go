package server

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Message is an immutable record of one channel broadcast.
type Message struct {
	ID      uuid.UUID
	Sender  string
	Text    string
	Channel string
	At      time.Time
}

// NewMessage renders text from sender as it appears to channel members.
func NewMessage(sender, channel, text string) Message {
	return Message{
		ID:      uuid.New(),
		Sender:  sender,
		Text:    sender + ": " + text,
		Channel: channel,
		At:      time.Now(),
	}
}

// Channel is a named broadcast group. Channels are never destroyed.
type Channel struct {
	Name    string
	Created time.Time

	// members is guarded by ChannelStore.mu.
	members map[string]*Session

	// mu serializes history appends with live delivery so that replay
	// order and delivery order are the same.
	mu      sync.Mutex
	history []Message
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Created: time.Now(),
		members: make(map[string]*Session),
	}
}

func (ch *Channel) appendLocked(msg Message, limit int) {
	ch.history = append(ch.history, msg)
	if over := len(ch.history) - limit; limit > 0 && over > 0 {
		ch.history = slices.Delete(ch.history, 0, over)
	}
}

// ChannelStore maps channel names to members and history.
//
// Lock order is Registry.mu, then ChannelStore.mu, then Channel.mu, then
// Session.mu. Membership only changes under ChannelStore.mu held for
// writing, so every reader sees a nickname in exactly one channel.
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	order    []string
	limit    int
}

// NewChannelStore creates an empty store. historyLimit caps each channel's
// history; zero keeps everything.
func NewChannelStore(historyLimit int) *ChannelStore {
	return &ChannelStore{
		channels: make(map[string]*Channel),
		limit:    historyLimit,
	}
}

// EnsureChannel creates the channel if it does not exist and reports
// whether it did.
func (cs *ChannelStore) EnsureChannel(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, created := cs.ensureLocked(name)
	return created
}

func (cs *ChannelStore) ensureLocked(name string) (*Channel, bool) {
	if ch, ok := cs.channels[name]; ok {
		return ch, false
	}
	ch := newChannel(name)
	cs.channels[name] = ch
	cs.order = append(cs.order, name)
	return ch, true
}

func (cs *ChannelStore) get(name string) (*Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ch, ok := cs.channels[name]
	return ch, ok
}

// Exists reports whether the channel has ever been created.
func (cs *ChannelStore) Exists(name string) bool {
	_, ok := cs.get(name)
	return ok
}

// Members returns a sorted snapshot of the channel's nicknames.
func (cs *ChannelStore) Members(name string) []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ch, ok := cs.channels[name]
	if !ok {
		return []string{}
	}
	members := lo.Keys(ch.members)
	sort.Strings(members)
	return members
}

// AppendHistory records msg in the channel's history, creating the channel if needed.
func (cs *ChannelStore) AppendHistory(name string, msg Message) {
	cs.mu.Lock()
	ch, _ := cs.ensureLocked(name)
	cs.mu.Unlock()

	ch.mu.Lock()
	ch.appendLocked(msg, cs.limit)
	ch.mu.Unlock()
}

// History returns the channel's messages in append order.
func (cs *ChannelStore) History(name string) []Message {
	ch, ok := cs.get(name)
	if !ok {
		return []Message{}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return slices.Clone(ch.history)
}

// ActiveChannelNames returns every channel ever created, in creation order.
func (cs *ChannelStore) ActiveChannelNames() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return slices.Clone(cs.order)
}

// Len returns the number of channels.
func (cs *ChannelStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.order)
}

// Deliver queues text to every member of the channel except exclude. When
// record is non-nil it is appended to history under the same lock, so the
// history order matches the order members receive messages. Sessions whose
// queue refused the frame are returned.
func (cs *ChannelStore) Deliver(name, exclude, text string, record *Message) []*Session {
	if record != nil {
		cs.EnsureChannel(name)
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ch, ok := cs.channels[name]
	if !ok {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if record != nil {
		ch.appendLocked(*record, cs.limit)
	}

	var failed []*Session
	for nick, sess := range ch.members {
		if nick == exclude {
			continue
		}
		if err := sess.Send(text); err != nil && !isClosedSession(err) {
			failed = append(failed, sess)
		}
	}
	return failed
}

// move places nick in channel to, removing it from from. onJoin runs while
// the destination is locked, so no live message can be queued between the
// history snapshot it receives and the session's membership.
func (cs *ChannelStore) move(nick string, sess *Session, from, to string, onJoin func([]Message)) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if old, ok := cs.channels[from]; ok && from != "" {
		delete(old.members, nick)
	}
	ch, created := cs.ensureLocked(to)
	ch.members[nick] = sess

	if onJoin != nil {
		ch.mu.Lock()
		onJoin(slices.Clone(ch.history))
		ch.mu.Unlock()
	}
	return created
}

func (cs *ChannelStore) removeMember(name, nick string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ch, ok := cs.channels[name]; ok {
		delete(ch.members, nick)
	}
}

// stats returns the member count and history length of a channel.
func (cs *ChannelStore) stats(name string) (members, history int) {
	cs.mu.RLock()
	ch, ok := cs.channels[name]
	if !ok {
		cs.mu.RUnlock()
		return 0, 0
	}
	members = len(ch.members)
	cs.mu.RUnlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return members, len(ch.history)
}
