package server

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry is the authoritative mapping from nickname to session and
// current channel. Every change of who is in which channel goes through it,
// so the Registry and its ChannelStore always agree.
type Registry struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	current        map[string]string
	order          []string
	channels       *ChannelStore
	defaultChannel string
}

// NewRegistry creates a registry backed by channels. The default channel is
// created immediately.
func NewRegistry(channels *ChannelStore, defaultChannel string) *Registry {
	channels.EnsureChannel(defaultChannel)
	return &Registry{
		sessions:       make(map[string]*Session),
		current:        make(map[string]string),
		channels:       channels,
		defaultChannel: defaultChannel,
	}
}

// DefaultChannel returns the channel new sessions start in.
func (r *Registry) DefaultChannel() string {
	return r.defaultChannel
}

// Register binds nickname to sess and places it in the default channel.
func (r *Registry) Register(nickname string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[nickname]; exists {
		return NewError(ErrDuplicateNickname, fmt.Sprintf("Nickname %s is already in use.", nickname), nil)
	}
	r.sessions[nickname] = sess
	r.current[nickname] = r.defaultChannel
	r.order = append(r.order, nickname)
	r.channels.move(nickname, sess, "", r.defaultChannel, nil)
	return nil
}

// Unregister removes nickname from the registry and its channel. It reports
// whether anything was removed.
func (r *Registry) Unregister(nickname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(nickname)
}

// remove unregisters sess only while it still owns its nickname, so a late
// cleanup never removes a newer session that reused the name.
func (r *Registry) remove(sess *Session) bool {
	nickname := sess.Nick()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[nickname] != sess {
		return false
	}
	return r.unregisterLocked(nickname)
}

func (r *Registry) unregisterLocked(nickname string) bool {
	channel, ok := r.current[nickname]
	if !ok {
		return false
	}
	r.channels.removeMember(channel, nickname)
	delete(r.sessions, nickname)
	delete(r.current, nickname)
	r.order = lo.Without(r.order, nickname)
	return true
}

// Lookup returns the session bound to nickname.
func (r *Registry) Lookup(nickname string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[nickname]
	return sess, ok
}

// ListNicknames returns the registered nicknames in registration order.
func (r *Registry) ListNicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Sessions returns the registered sessions in registration order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(nick string, _ int) *Session {
		return r.sessions[nick]
	})
}

// ChannelOf returns the current channel of nickname.
func (r *Registry) ChannelOf(nickname string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.current[nickname]
	return channel, ok
}

// SetChannel moves nickname to channel, creating it if needed. It reports
// whether the channel was created; unknown nicknames are ignored.
func (r *Registry) SetChannel(nickname, channel string) bool {
	created, _ := r.Join(nickname, channel, nil)
	return created
}

// Join is SetChannel with a hook that receives the destination history
// while the move is still atomic. ok is false for unknown nicknames.
func (r *Registry) Join(nickname, channel string, onJoin func(history []Message)) (created, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, registered := r.sessions[nickname]
	if !registered {
		return false, false
	}
	created = r.channels.move(nickname, sess, r.current[nickname], channel, onJoin)
	r.current[nickname] = channel
	return created, true
}

// Presence is one row of a consistent registry snapshot.
type Presence struct {
	Nickname string
	Channel  string
	Session  *Session
}

// Snapshot returns every registered nickname with its channel, taken under
// one lock.
func (r *Registry) Snapshot() []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(nick string, _ int) Presence {
		return Presence{Nickname: nick, Channel: r.current[nick], Session: r.sessions[nick]}
	})
}
