package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage("alice", "general", "hi")

	assert.Equal(t, "alice: hi", msg.Text)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "general", msg.Channel)
	assert.NotEqual(t, NewMessage("alice", "general", "hi").ID, msg.ID)
}

func TestEnsureChannel(t *testing.T) {
	cs := NewChannelStore(0)

	assert.True(t, cs.EnsureChannel("general"))
	assert.False(t, cs.EnsureChannel("general"))
	assert.True(t, cs.Exists("general"))
	assert.False(t, cs.Exists("rooms"))
	assert.Equal(t, 1, cs.Len())
	assert.Empty(t, cs.Members("general"))
	assert.Empty(t, cs.History("general"))
}

func TestHistoryUnknownChannel(t *testing.T) {
	cs := NewChannelStore(0)

	assert.NotNil(t, cs.History("nowhere"))
	assert.Empty(t, cs.History("nowhere"))
	assert.NotNil(t, cs.Members("nowhere"))
	assert.Empty(t, cs.Members("nowhere"))
}

func TestAppendHistoryOrder(t *testing.T) {
	cs := NewChannelStore(0)

	for i := range 5 {
		cs.AppendHistory("rooms", NewMessage("alice", "rooms", fmt.Sprintf("m%d", i)))
	}

	assert.True(t, cs.Exists("rooms"), "AppendHistory creates the channel")
	texts := lo.Map(cs.History("rooms"), func(m Message, _ int) string { return m.Text })
	assert.Equal(t, []string{"alice: m0", "alice: m1", "alice: m2", "alice: m3", "alice: m4"}, texts)
}

func TestHistoryLimit(t *testing.T) {
	cs := NewChannelStore(3)

	for i := range 5 {
		cs.AppendHistory("general", NewMessage("bob", "general", fmt.Sprint(i)))
	}

	texts := lo.Map(cs.History("general"), func(m Message, _ int) string { return m.Text })
	assert.Equal(t, []string{"bob: 2", "bob: 3", "bob: 4"}, texts)
}

func TestHistoryIsACopy(t *testing.T) {
	cs := NewChannelStore(0)
	cs.AppendHistory("general", NewMessage("bob", "general", "one"))

	history := cs.History("general")
	history[0].Text = "changed"

	assert.Equal(t, "bob: one", cs.History("general")[0].Text)
}

func TestActiveChannelNamesCreationOrder(t *testing.T) {
	cs := NewChannelStore(0)
	for _, name := range []string{"general", "zeta", "alpha", "general"} {
		cs.EnsureChannel(name)
	}

	assert.Equal(t, []string{"general", "zeta", "alpha"}, cs.ActiveChannelNames())
}

func TestMoveUpdatesMembership(t *testing.T) {
	cs := NewChannelStore(0)
	alice := &Session{}
	bob := &Session{}

	assert.True(t, cs.move("alice", alice, "", "general", nil))
	assert.False(t, cs.move("bob", bob, "", "general", nil))
	assert.Equal(t, []string{"alice", "bob"}, cs.Members("general"))

	assert.True(t, cs.move("alice", alice, "general", "rooms", nil))
	assert.Equal(t, []string{"bob"}, cs.Members("general"))
	assert.Equal(t, []string{"alice"}, cs.Members("rooms"))

	cs.removeMember("rooms", "alice")
	assert.Empty(t, cs.Members("rooms"))
	assert.True(t, cs.Exists("rooms"), "channels outlive their members")
}

func TestMoveHandsOverHistory(t *testing.T) {
	cs := NewChannelStore(0)
	cs.AppendHistory("rooms", NewMessage("bob", "rooms", "earlier"))

	var got []Message
	cs.move("alice", &Session{}, "", "rooms", func(history []Message) {
		got = history
	})

	require.Len(t, got, 1)
	assert.Equal(t, "bob: earlier", got[0].Text)
}

func TestDeliver(t *testing.T) {
	cs := NewChannelStore(0)
	alice, alicePeer := newPipeSession(t, "alice")
	bob, bobPeer := newPipeSession(t, "bob")
	carol, carolPeer := newPipeSession(t, "carol")
	cs.move("alice", alice, "", "general", nil)
	cs.move("bob", bob, "", "general", nil)
	cs.move("carol", carol, "", "rooms", nil)

	msg := NewMessage("alice", "general", "hi")
	failed := cs.Deliver("general", "alice", msg.Text, &msg)

	assert.Empty(t, failed)
	assert.Equal(t, "alice: hi", bobPeer.readLine())
	alicePeer.expectNothing(50 * time.Millisecond)
	carolPeer.expectNothing(50 * time.Millisecond)

	history := cs.History("general")
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.Empty(t, cs.History("rooms"))
}

func TestDeliverWithoutRecord(t *testing.T) {
	cs := NewChannelStore(0)
	bob, bobPeer := newPipeSession(t, "bob")
	cs.move("bob", bob, "", "general", nil)

	failed := cs.Deliver("general", "", "notice", nil)

	assert.Empty(t, failed)
	assert.Equal(t, "notice", bobPeer.readLine())
	assert.Empty(t, cs.History("general"))
	assert.Nil(t, cs.Deliver("nowhere", "", "lost", nil))
}

func TestDeliverReportsFullQueues(t *testing.T) {
	cs := NewChannelStore(0)
	slow := NewSession(newIdleConn(t), SessionOptions{QueueSize: 1}, nil)
	slow.setNick("slow")
	closed := NewSession(newIdleConn(t), SessionOptions{QueueSize: 1}, nil)
	closed.setNick("gone")
	closed.Close()
	cs.move("slow", slow, "", "general", nil)
	cs.move("gone", closed, "", "general", nil)

	assert.Empty(t, cs.Deliver("general", "", "one", nil))
	failed := cs.Deliver("general", "", "two", nil)

	assert.Equal(t, []*Session{slow}, failed, "closed sessions are skipped, full ones reported")
}

func TestStats(t *testing.T) {
	cs := NewChannelStore(0)
	cs.move("alice", &Session{}, "", "general", nil)
	cs.AppendHistory("general", NewMessage("alice", "general", "x"))

	members, history := cs.stats("general")
	assert.Equal(t, 1, members)
	assert.Equal(t, 1, history)

	members, history = cs.stats("nowhere")
	assert.Zero(t, members)
	assert.Zero(t, history)
}
