package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/persistence"
)

const readWait = 2 * time.Second

// mockStore records audit writes.
type mockStore struct {
	mu       sync.Mutex
	messages []string
	users    []string
	channels []string
	failures int
}

var _ persistence.Store = (*mockStore)(nil) // Compile-time interface check

func (m *mockStore) Close() error { return nil }

func (m *mockStore) LogMessage(ctx context.Context, sender, recipient, msgType, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("database is locked")
	}
	m.messages = append(m.messages, msgType+" "+sender+"->"+recipient+": "+content)
	return nil
}

func (m *mockStore) UpdateUser(ctx context.Context, nickname, ipAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, nickname)
	return nil
}

func (m *mockStore) UpdateChannel(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, name)
	return nil
}

func (m *mockStore) snapshot() (messages, users, channels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...), append([]string(nil), m.users...), append([]string(nil), m.channels...)
}

// peer is the remote end of a session's transport.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	return &peer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// newPipeSession returns a started session named nick and its peer.
func newPipeSession(t *testing.T, nick string) (*Session, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	sess := NewSession(local, SessionOptions{QueueSize: 64, WriteTimeout: time.Second, MaxLineLength: 256}, nil)
	sess.setNick(nick)
	sess.start()
	t.Cleanup(func() {
		sess.Abort()
		_ = remote.Close()
	})
	return sess, newPeer(t, remote)
}

func (p *peer) send(line string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(readWait)))
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) readLine() string {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(readWait)))
	line, err := p.r.ReadString('\n')
	require.NoError(p.t, err, "waiting for a frame")
	return strings.TrimSuffix(line, "\n")
}

// expect reads frames until one equals want and returns the frames skipped.
func (p *peer) expect(want string) []string {
	p.t.Helper()
	var skipped []string
	for {
		line := p.readLine()
		if line == want {
			return skipped
		}
		skipped = append(skipped, line)
	}
}

// expectNothing asserts that no frame arrives within d.
func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := p.r.ReadString('\n')
	var netErr net.Error
	require.Truef(p.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected frame %q (err %v)", line, err)
}

// expectClosed reads until the transport reports end of stream. A pipe
// whose other end is already closed refuses new deadlines.
func (p *peer) expectClosed() {
	p.t.Helper()
	if err := p.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		require.ErrorIs(p.t, err, io.ErrClosedPipe)
	}
	for {
		_, err := p.r.ReadString('\n')
		if err != nil {
			var netErr net.Error
			require.False(p.t, errors.As(err, &netErr) && netErr.Timeout(), "transport still open")
			return
		}
	}
}

// newIdleConn returns a transport whose peer never reads.
func newIdleConn(t *testing.T) net.Conn {
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return local
}
