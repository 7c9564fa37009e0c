package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/persistence"
)

// EventType represents different types of chat events
type EventType string

const (
	EventConnect    EventType = "CONNECT"
	EventRegister   EventType = "REGISTER"
	EventJoin       EventType = "JOIN"
	EventMessage    EventType = "MESSAGE"
	EventPrivate    EventType = "PRIVATE"
	EventExit       EventType = "EXIT"
	EventDisconnect EventType = "DISCONNECT"
	EventEvict      EventType = "EVICT"
)

const (
	storeRetries    = 3
	storeRetryDelay = 100 * time.Millisecond
	// storeTimeout caps each audit call, retries included.
	storeTimeout = 500 * time.Millisecond
)

// Logger writes chat events to zap and to the audit store.
type Logger struct {
	store   persistence.Store
	log     *zap.Logger
	timeout time.Duration
}

// NewLogger creates a new Logger instance. store may be nil.
func NewLogger(store persistence.Store, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		store:   store,
		log:     logger.Named("events"),
		timeout: storeTimeout,
	}
}

func (l *Logger) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// LogEvent logs a lifecycle event and stores it, retrying transient failures.
func (l *Logger) LogEvent(ctx context.Context, eventType EventType, actor, target, details string) error {
	l.log.Info(string(eventType),
		zap.String("actor", actor),
		zap.String("target", target),
		zap.String("details", details),
	)
	if l.store == nil {
		return nil
	}
	ctx, cancel := l.storeContext(ctx)
	defer cancel()

	var err error
	for retries := storeRetries; retries > 0; retries-- {
		if err = l.store.LogMessage(ctx, actor, target, string(eventType), details); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to log event: %w", errors.Join(err, ctx.Err()))
		case <-time.After(storeRetryDelay):
		}
	}
	return fmt.Errorf("failed to log event after retries: %w", err)
}

// LogMessage logs a chat message. Store failures are reported, not returned.
func (l *Logger) LogMessage(ctx context.Context, from, target string, eventType EventType, content string) {
	l.log.Debug("message",
		zap.String("type", string(eventType)),
		zap.String("from", from),
		zap.String("to", target),
		zap.Int("bytes", len(content)),
	)
	if l.store == nil {
		return
	}
	ctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.store.LogMessage(ctx, from, target, string(eventType), content); err != nil {
		l.LogError("failed to log message", err)
	}
}

// UserSeen records a registered nickname in the audit store.
func (l *Logger) UserSeen(ctx context.Context, nickname, addr string) {
	if l.store == nil {
		return
	}
	ctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.store.UpdateUser(ctx, nickname, addr); err != nil {
		l.LogError("failed to update user", err)
	}
}

// ChannelCreated records a new channel in the audit store.
func (l *Logger) ChannelCreated(ctx context.Context, name string) {
	l.log.Info("channel created", zap.String("channel", name))
	if l.store == nil {
		return
	}
	ctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.store.UpdateChannel(ctx, name); err != nil {
		l.LogError("failed to record channel", err)
	}
}

// LogError logs error events
func (l *Logger) LogError(msg string, err error) {
	l.log.Error(msg, zap.Error(err))
}
