package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultEventIdleTimeout = 90 * time.Second
	eventHandshakeTimeout   = 10 * time.Second
)

// EventEndpoint locates and authenticates the changefeed event stream.
type EventEndpoint interface {
	EventsURL() string
	AuthHeader(ctx context.Context) (http.Header, error)
}

// EventListener keeps a websocket subscription to the server's changefeed events open.
type EventListener struct {
	endpoint    EventEndpoint
	backoff     func() retry.Backoff
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewEventListener builds a listener that reconnects after failures using backoff. The idle
// timeout bounds how long the connection may stay silent; the server's heartbeats keep it alive.
func NewEventListener(endpoint EventEndpoint, backoff func() retry.Backoff, idleTimeout time.Duration, logger *zap.Logger) *EventListener {
	if backoff == nil {
		backoff = func() retry.Backoff { return NewBackoff(time.Second, time.Minute) }
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultEventIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventListener{
		endpoint:    endpoint,
		backoff:     backoff,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Run delivers every received event to handle until ctx is done. Refused credentials are retried
// with backoff until the token source yields an accepted token.
func (l *EventListener) Run(ctx context.Context, handle func(protocol.ChangefeedEvent)) error {
	for {
		err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
			connected, err := l.listen(ctx, handle)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, ErrUnauthorized):
				l.logger.Warn("event stream refused credentials", zap.Error(err))
				return retry.RetryableError(err)
			case connected:
				l.logger.Info("event stream disconnected", zap.Error(err))
				return nil
			default:
				l.logger.Debug("event stream unavailable", zap.Error(err))
				return retry.RetryableError(err)
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// listen holds one connection. connected reports whether the handshake succeeded, which resets
// the reconnect backoff.
func (l *EventListener) listen(ctx context.Context, handle func(protocol.ChangefeedEvent)) (bool, error) {
	header, err := l.endpoint.AuthHeader(ctx)
	if err != nil {
		return false, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: eventHandshakeTimeout}
	conn, response, err := dialer.DialContext(ctx, l.endpoint.EventsURL(), header)
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: event stream responded %d", ErrUnauthorized, response.StatusCode)
		}
		return false, fmt.Errorf("%w: dial event stream: %v", ErrTransient, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	l.logger.Debug("event stream connected")
	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.idleTimeout)); err != nil {
			return true, err
		}
		var event protocol.ChangefeedEvent
		if err := conn.ReadJSON(&event); err != nil {
			return true, fmt.Errorf("%w: read event: %v", ErrTransient, err)
		}
		handle(event)
	}
}

// NewBackoff returns an exponential backoff starting at base, capped at maxDelay, with jitter.
func NewBackoff(base, maxDelay time.Duration) retry.Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	backoff := retry.NewExponential(base)
	backoff = retry.WithCappedDuration(maxDelay, backoff)
	return retry.WithJitterPercent(20, backoff)
}
