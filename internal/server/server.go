package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/persistence"
)

const (
	welcomeText  = "Welcome to the chat system!"
	shutdownText = "Server is shutting down."
	webSender    = "WebAdmin"

	maxAcceptDelay   = time.Second
	closeGracePeriod = 5 * time.Second
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("chat server closed")

func instructions(channel string) []string {
	return []string{
		"",
		"To use the service use the following commands:",
		"/join <channel>  -  Join existing channel or add a new one, example: /join ChannelName .",
		"/exit  -  Exit the chat.",
		"@<nickname> <message>  -  Send a private message to a user, example: @username Hello everyone .",
		"Type messages normally to send them to the active channel.",
		fmt.Sprintf("You are currently in the '%s' channel.", channel),
	}
}

// Server accepts connections and runs one session worker per client.
type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	events      *Logger
	metrics     *Metrics
	channels    *ChannelStore
	registry    *Registry
	broadcaster *Broadcaster
	dispatcher  *Dispatcher

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a chat server. store may be nil to disable the audit log.
func New(cfg *config.Config, store persistence.Store, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		events:   NewLogger(store, logger),
		metrics:  NewMetrics("chatrelay"),
		channels: NewChannelStore(cfg.Chat.HistoryLimit),
		sessions: make(map[*Session]struct{}),
		shutdown: make(chan struct{}),
	}
	s.registry = NewRegistry(s.channels, cfg.Chat.DefaultChannel)
	s.broadcaster = NewBroadcaster(s.registry, s.channels, s.metrics, logger, s.evict)
	s.dispatcher = NewDispatcher(s.registry, s.channels, s.broadcaster, s.events, s.metrics, logger)
	s.metrics.SetChannels(s.channels.Len())
	return s
}

// Registry returns the server's registry.
func (s *Server) Registry() *Registry { return s.registry }

// Channels returns the server's channel store.
func (s *Server) Channels() *ChannelStore { return s.channels }

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Cancelling ctx shuts the server down,
// bounded by the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("chat server listening",
		zap.String("name", s.cfg.Server.Name),
		zap.String("addr", ln.Addr().String()),
	)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	err := s.acceptLoop(ctx, ln)
	if ctx.Err() != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Chat.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	opts := SessionOptions{
		QueueSize:     s.cfg.Chat.SendQueueSize,
		WriteTimeout:  s.cfg.Chat.WriteTimeout,
		MaxLineLength: s.cfg.Chat.MaxLineLength,
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = lo.Clamp(delay*2, 5*time.Millisecond, maxAcceptDelay)
			s.logger.Error("failed to accept connection", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-s.shutdown:
				return nil
			}
			continue
		}
		delay = 0

		sess := NewSession(conn, opts, s.logger)
		if !s.track(sess) {
			_ = conn.Close()
			continue
		}
		go s.handleSession(ctx, sess)
	}
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) handleSession(ctx context.Context, sess *Session) {
	defer s.untrack(sess)
	sess.onWriteError = s.evict
	// Audit writes for this session must still land after shutdown begins.
	ctx = context.WithoutCancel(ctx)

	if err := s.events.LogEvent(ctx, EventConnect, sess.RemoteAddr(), "SERVER", sess.ID().String()); err != nil {
		s.logger.Error("failed to log connect event", zap.Error(err))
	}

	nick, ok := s.handshake(ctx, sess)
	if !ok {
		return
	}

	exited := s.readLoop(ctx, sess)
	s.disconnect(ctx, sess, exited)
	s.logger.Info("client disconnected", zap.String("nick", nick))
}

// handshake reads the nickname and registers it. On failure the session is
// closed and false is returned.
func (s *Server) handshake(ctx context.Context, sess *Session) (string, bool) {
	line, err := sess.ReadLine(s.cfg.Chat.HandshakeTimeout)
	if err != nil && !errors.Is(err, ErrLineTooLong) {
		s.logger.Debug("handshake aborted", zap.String("remote", sess.RemoteAddr()), zap.Error(err))
		s.metrics.RejectedHandshake("transport")
		sess.Abort()
		return "", false
	}

	nick := strings.TrimSpace(line)
	sess.setNick(nick)
	sess.start()

	if err == nil {
		err = validateNick(nick, s.cfg.Chat.MaxNickLength)
	}
	if err != nil {
		s.reject(sess, "invalid", err)
		return "", false
	}
	if err := s.registry.Register(nick, sess); err != nil {
		s.reject(sess, "duplicate", err)
		return "", false
	}

	s.metrics.SetSessions(len(s.registry.ListNicknames()))
	s.events.UserSeen(ctx, nick, sess.RemoteAddr())
	if err := s.events.LogEvent(ctx, EventRegister, nick, s.registry.DefaultChannel(), sess.RemoteAddr()); err != nil {
		s.logger.Error("failed to log register event", zap.Error(err))
	}

	s.broadcaster.SendTo(sess, welcomeText)
	s.broadcaster.AnnounceChannels()
	s.broadcaster.AnnounceUsers()
	s.broadcaster.SendTo(sess, instructions(s.registry.DefaultChannel())...)
	return nick, true
}

func (s *Server) reject(sess *Session, reason string, err error) {
	s.logger.Info("handshake rejected",
		zap.String("remote", sess.RemoteAddr()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	s.metrics.RejectedHandshake(reason)
	_ = sess.Send(FormatError(err))
	sess.Close()
	s.awaitClose(sess)
}

// readLoop dispatches lines until the session exits or its transport fails.
// It reports whether the client asked to exit.
func (s *Server) readLoop(ctx context.Context, sess *Session) bool {
	for {
		line, err := sess.ReadLine(s.cfg.Chat.IdleTimeout)
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				s.broadcaster.SendTo(sess, FormatError(err))
				continue
			}
			s.logger.Debug("read ended", zap.Stringer("session", sess), zap.Error(err))
			return false
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if s.dispatcher.Dispatch(ctx, sess, line) {
			return true
		}
	}
}

// disconnect unregisters sess, flushes and closes its transport and
// announces the departure. exited is true for an explicit /exit.
func (s *Server) disconnect(ctx context.Context, sess *Session, exited bool) {
	removed := s.registry.remove(sess)
	sess.Close()

	if removed {
		s.metrics.SetSessions(len(s.registry.ListNicknames()))
		if !exited {
			if err := s.events.LogEvent(ctx, EventDisconnect, sess.Nick(), "SERVER", "connection closed"); err != nil {
				s.logger.Error("failed to log disconnect event", zap.Error(err))
			}
		}
		if !s.isClosing() {
			s.broadcaster.AnnounceUsers()
		}
	}
	s.awaitClose(sess)
}

// awaitClose waits for the writer to flush, aborting a peer that does not
// drain in time.
func (s *Server) awaitClose(sess *Session) {
	grace := s.cfg.Chat.WriteTimeout
	if grace <= 0 {
		grace = closeGracePeriod
	}
	select {
	case <-sess.Done():
	case <-time.After(grace):
		sess.Abort()
	}
}

// evict drops a session whose transport failed or could not keep up.
func (s *Server) evict(sess *Session, cause error) {
	removed := s.registry.remove(sess)
	sess.Abort()
	if !removed {
		return
	}

	s.metrics.SetSessions(len(s.registry.ListNicknames()))
	s.logger.Warn("session evicted", zap.Stringer("session", sess), zap.Error(cause))
	if err := s.events.LogEvent(context.Background(), EventEvict, sess.Nick(), "SERVER", cause.Error()); err != nil {
		s.logger.Error("failed to log evict event", zap.Error(err))
	}
	if !s.isClosing() {
		s.broadcaster.AnnounceUsers()
	}
}

// Shutdown stops accepting, notifies every session and closes it. It waits
// for session workers until ctx is done, then aborts the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closing
	s.closing = true
	ln := s.listener
	sessions := lo.Keys(s.sessions)
	if first {
		close(s.shutdown)
	}
	s.mu.Unlock()

	if first {
		s.logger.Info("server is shutting down", zap.Int("sessions", len(sessions)))
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("failed to close listener", zap.Error(err))
			}
		}
		for _, sess := range sessions {
			_ = sess.Send(shutdownText)
			sess.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		remaining := lo.Keys(s.sessions)
		s.mu.Unlock()
		for _, sess := range remaining {
			sess.Abort()
		}
		return ctx.Err()
	}
}

// Post sends an operator message as WebAdmin. target is a channel name, or
// a nickname prefixed with '@' for a private message.
func (s *Server) Post(ctx context.Context, target, content string) error {
	if nick, ok := strings.CutPrefix(target, "@"); ok {
		return s.dispatcher.PrivateAs(ctx, webSender, nick, content)
	}
	return s.dispatcher.PostAs(ctx, webSender, target, content)
}

// Snapshot returns the users and channels currently known to the server.
func (s *Server) Snapshot() DashboardData {
	users := lo.Map(s.registry.Snapshot(), func(p Presence, _ int) UserInfo {
		return UserInfo{
			Nickname:    p.Nickname,
			Channel:     p.Channel,
			ConnectedAt: p.Session.ConnectedAt(),
		}
	})
	channels := lo.Map(s.channels.ActiveChannelNames(), func(name string, _ int) ChannelInfo {
		members, history := s.channels.stats(name)
		return ChannelInfo{Name: name, Members: members, HistoryLen: history}
	})
	return DashboardData{Users: users, Channels: channels}
}
