package persistence

import "context"

// Store defines the interface for audit persistence operations.
// Nothing is ever read back to rebuild chat state.
type Store interface {
	// Close closes the underlying database connection
	Close() error

	// LogMessage records a chat event in the message log
	LogMessage(ctx context.Context, sender, recipient, msgType, content string) error

	// UpdateUser stores or updates the last-seen record of a nickname
	UpdateUser(ctx context.Context, nickname, ipAddr string) error

	// UpdateChannel records a channel the first time it is created
	UpdateChannel(ctx context.Context, name string) error
}
