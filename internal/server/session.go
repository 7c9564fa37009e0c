package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionOptions tunes a session's transport.
type SessionOptions struct {
	QueueSize     int
	WriteTimeout  time.Duration
	MaxLineLength int
}

// Session represents one connected client. All writes to the transport go
// through a single writer goroutine fed by a bounded queue.
type Session struct {
	id          uuid.UUID
	conn        net.Conn
	reader      *bufio.Reader
	connectedAt time.Time
	opts        SessionOptions
	logger      *zap.Logger

	send chan []string
	done chan struct{}

	// onWriteError is called from the writer goroutine when a write fails.
	onWriteError func(*Session, error)

	mu      sync.Mutex
	nick    string
	started bool
	closed  bool
	aborted bool
}

// NewSession wraps an accepted connection. Call start to run the writer.
func NewSession(conn net.Conn, opts SessionOptions, logger *zap.Logger) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New()
	return &Session{
		id:          id,
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, opts.MaxLineLength+2),
		connectedAt: time.Now(),
		opts:        opts,
		logger: logger.With(
			zap.String("session", id.String()),
			zap.String("remote", remoteAddr(conn)),
		),
		send: make(chan []string, opts.QueueSize),
		done: make(chan struct{}),
	}
}

func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.writeLoop()
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// ConnectedAt returns the time the connection was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return remoteAddr(s.conn) }

// Nick returns the nickname, empty before the handshake.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

func (s *Session) setNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// String returns a string representation of the session.
func (s *Session) String() string {
	if nick := s.Nick(); nick != "" {
		return nick
	}
	return "unknown"
}

// Send queues frames for delivery without blocking. The frames of one call
// occupy a single queue slot and are written back to back.
func (s *Session) Send(frames ...string) error {
	if len(frames) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- frames:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops accepting frames. The writer flushes what is queued and then
// closes the transport. A session whose writer never started is closed at
// once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	if !s.started {
		_ = s.conn.Close()
		close(s.done)
	}
}

// Abort closes the transport immediately, dropping queued frames.
func (s *Session) Abort() {
	s.mu.Lock()
	s.aborted = true
	if !s.closed {
		s.closed = true
		close(s.send)
		if !s.started {
			close(s.done)
		}
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}

// Done is closed once the writer has exited and the transport is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Session) writeLoop() {
	defer close(s.done)
	defer s.conn.Close()

	w := bufio.NewWriter(s.conn)
	for frames := range s.send {
		if err := s.write(w, frames); err != nil {
			if s.isAborted() {
				return
			}
			s.logger.Warn("write failed", zap.Error(err))
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			if s.onWriteError != nil {
				s.onWriteError(s, NewError(ErrTransportFailure, "write failed", err))
			}
			return
		}
	}
}

func (s *Session) write(w *bufio.Writer, frames []string) error {
	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	for _, frame := range frames {
		if _, err := w.WriteString(frame); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if len(s.send) > 0 {
		// More is queued; let the next iteration flush.
		return nil
	}
	return w.Flush()
}

// ReadLine reads one newline-terminated frame. timeout bounds the wait; zero
// waits forever. Overlong lines are discarded and reported as ErrLineTooLong;
// any transport error is reported as ErrTransportClosed.
func (s *Session) ReadLine(timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return "", NewError(ErrTransportClosed, "connection closed", err)
	}

	line, err := s.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = s.reader.ReadSlice('\n')
		}
		if err != nil {
			return "", NewError(ErrTransportClosed, "connection closed", err)
		}
		return "", NewError(ErrLineTooLong, "Message too long.", nil)
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return normalizeLine(line), nil
		}
		return "", NewError(ErrTransportClosed, "connection closed", err)
	}
	return normalizeLine(line), nil
}

func normalizeLine(line []byte) string {
	return strings.ToValidUTF8(strings.TrimRight(string(line), "\r\n"), "�")
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func isClosedSession(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}
