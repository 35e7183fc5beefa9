// Package client consumes the TourSync notification stream: it keeps one
// long-lived SSE connection open, maintains a bounded newest-first history of
// received notifications, hands them to presenters, and reconnects with
// exponential backoff when the transport drops.
package client

import (
	"errors"
	"net/http"
	"time"

	"github.com/toursync/toursync/internal/notify"
)

// Default values for stream reconnection.
const (
	DefaultBaseDelay        = 500 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultJitterFactor     = 0.5 // 50% jitter
	DefaultMaxRetryAttempts = 10
	DefaultHistorySize      = 50
)

// Configuration errors.
var (
	ErrEmptyURL        = errors.New("stream URL cannot be empty")
	ErrInvalidDelay    = errors.New("base delay must be positive")
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	ErrInvalidJitter   = errors.New("jitter factor must be between 0 and 1")
)

// Config holds consumer configuration. The credential is passed in explicitly;
// the consumer never reads tokens from ambient storage.
type Config struct {
	// URL is the stream endpoint, e.g. https://api.example.com/api/notifications/stream.
	URL string

	// Token is the bearer token. An empty token closes the consumer without connecting.
	Token string

	// HTTPClient performs the streaming request. It must not set a total
	// request Timeout. Defaults to a client without one.
	HTTPClient *http.Client

	// BaseDelay is the delay before the first reconnect attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between reconnect attempts.
	MaxDelay time.Duration

	// JitterFactor is the fraction of delay to randomize (0.0 to 1.0).
	JitterFactor float64

	// MaxRetryAttempts is the number of consecutive failed attempts after which
	// the consumer gives up and closes. 0 disables the limit.
	MaxRetryAttempts uint64

	// HistorySize is the capacity of the newest-first history.
	HistorySize int

	Toaster     Toaster
	AudioPlayer AudioPlayer

	// OnStateChange is called on every state transition, on the Run goroutine.
	// err carries the cause for DISCONNECTED and for a CLOSED caused by failure.
	OnStateChange func(state State, err error)

	// OnNotification is called after a notification has been added to the history.
	OnNotification func(n notify.Notification)
}

// DefaultConfig returns a Config with sensible defaults for the given endpoint and token.
func DefaultConfig(url, token string) Config {
	return Config{
		URL:              url,
		Token:            token,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		JitterFactor:     DefaultJitterFactor,
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		HistorySize:      DefaultHistorySize,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.URL == "" {
		return ErrEmptyURL
	}
	if c.BaseDelay <= 0 {
		return ErrInvalidDelay
	}
	if c.MaxDelay < c.BaseDelay {
		return ErrInvalidMaxDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}
