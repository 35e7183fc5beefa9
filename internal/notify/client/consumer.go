package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/toursync/toursync/internal/notify"
)

// State is the consumer connection state.
type State int

// Consumer states. CLOSED is terminal.
const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Consumer errors.
var (
	// ErrTransportDisconnected is reported through OnStateChange when an open
	// or opening stream fails. The consumer reconnects on its own.
	ErrTransportDisconnected = errors.New("notification stream disconnected")

	// ErrRetriesExhausted is returned by Run after MaxRetryAttempts consecutive failures.
	ErrRetriesExhausted = errors.New("notification stream reconnect attempts exhausted")

	// ErrUnauthorized is returned by Run when the server rejects the credential.
	ErrUnauthorized = errors.New("notification stream rejected credentials")

	// ErrAlreadyRunning is returned when Run is called on a consumer that has already started.
	ErrAlreadyRunning = errors.New("consumer already started")

	errStreamEnded = errors.New("stream ended by server")
)

// StatusError reports an unexpected HTTP status from the stream endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected stream status %d", e.Code)
}

// Consumer keeps one notification stream open and records what it receives.
// A Consumer is started once with Run and stopped with Close.
type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	history *History

	mu     sync.Mutex
	state  State
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the Run goroutine.
	lastEventID string
	retryHint   time.Duration
}

// New creates a consumer. It does not connect until Run is called.
func New(cfg Config, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Consumer{
		cfg:     cfg,
		logger:  logger,
		client:  httpClient,
		history: NewHistory(cfg.HistorySize),
		state:   StateInit,
	}, nil
}

// State returns the current connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns received notifications, newest first.
func (c *Consumer) History() []notify.Notification {
	return c.history.List()
}

// ClearHistory discards all received notifications.
func (c *Consumer) ClearHistory() {
	c.history.Clear()
}

// Run connects and keeps the stream open until ctx is cancelled, Close is
// called, the credential is rejected, or reconnect attempts are exhausted.
// With an empty token it moves straight to CLOSED and returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.done != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.cfg.Token == "" {
		c.mu.Unlock()
		c.logger.Info("no credential provided, notification stream disabled")
		c.setState(StateClosed, nil)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	err := c.loop(ctx)
	c.setState(StateClosed, err)
	return err
}

// Close stops the consumer and waits for Run to return. After Close returns
// no further history updates or presenter calls happen. It must not be called
// from OnStateChange or OnNotification.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		c.setState(StateClosed, nil)
		return
	}
	cancel()
	<-done
}

func (c *Consumer) loop(ctx context.Context) error {
	b := c.newBackOff()

	for {
		c.setState(StateConnecting, nil)
		connected, err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			c.logger.Warn("notification stream stopped", slog.String("error", permanent.Err.Error()))
			return permanent.Err
		}

		c.setState(StateDisconnected, fmt.Errorf("%w: %w", ErrTransportDisconnected, err))

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Error("notification stream reconnect attempts exhausted",
				slog.Uint64("max_attempts", c.cfg.MaxRetryAttempts))
			return ErrRetriesExhausted
		}
		if c.retryHint > delay {
			delay = c.retryHint
		}
		c.logger.Info("scheduling reconnect", slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// newBackOff builds the reconnect policy: exponential with jitter, capped at
// MaxDelay, stopping after MaxRetryAttempts consecutive failures.
func (c *Consumer) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BaseDelay
	exp.MaxInterval = c.cfg.MaxDelay
	exp.RandomizationFactor = c.cfg.JitterFactor
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	if c.cfg.MaxRetryAttempts == 0 {
		return exp
	}
	return backoff.WithMaxRetries(exp, c.cfg.MaxRetryAttempts)
}

// stream performs one connection attempt and reads until the stream fails.
// connected reports whether the server accepted the stream.
func (c *Consumer) stream(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return false, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return false, &StatusError{Code: resp.StatusCode}
	}

	c.setState(StateConnected, nil)
	c.logger.Info("notification stream connected")

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.Next()
		if d := reader.Retry(); d > 0 {
			c.retryHint = d
		}
		if id := reader.LastID(); id != "" {
			c.lastEventID = id
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			return true, err
		}

		var n notify.Notification
		if err := json.Unmarshal([]byte(ev.Data), &n); err != nil {
			c.logger.Warn("discarding malformed notification", slog.String("error", err.Error()))
			continue
		}
		c.handle(n)
	}
}

func (c *Consumer) handle(n notify.Notification) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.history.Add(n)
	present(c.cfg.Toaster, c.cfg.AudioPlayer, n)
	if c.cfg.OnNotification != nil {
		c.cfg.OnNotification(n)
	}
}

func (c *Consumer) setState(s State, err error) {
	c.mu.Lock()
	if c.state == StateClosed || (c.state == s && err == nil) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("notification stream state changed",
			slog.String("state", s.String()),
			slog.String("error", err.Error()))
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s, err)
	}
}
