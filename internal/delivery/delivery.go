// Package delivery sends media groups with flood-control-aware retry.
//
// One SendAlbum call makes at most Policy.MaxAttempts platform calls:
//
//	rate limited  -> wait exactly the platform-requested duration, retry
//	network error -> wait NetworkBackoff, retry
//	other error   -> wait ErrorBackoff and retry, or fail with *DeliveryError on the last attempt
//	success       -> return message ids
//
// Every outcome, rate limits included, consumes an attempt. When attempts run
// out on retryable errors the call returns no ids and no error.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"carposter/internal/album"
	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"
)

const (
	DefaultMaxAttempts    = 3
	DefaultNetworkBackoff = 5 * time.Second
	DefaultErrorBackoff   = 3 * time.Second
)

type Policy struct {
	MaxAttempts    int
	NetworkBackoff time.Duration
	ErrorBackoff   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.NetworkBackoff <= 0 {
		p.NetworkBackoff = DefaultNetworkBackoff
	}
	if p.ErrorBackoff <= 0 {
		p.ErrorBackoff = DefaultErrorBackoff
	}
	return p
}

// DeliveryError is returned when the final attempt fails with a non-retryable error.
type DeliveryError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver item %s: failed after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	default:
		return "other"
	}
}

// Classify sorts a platform error into a retry class.
func Classify(err error) (Kind, time.Duration) {
	var ra *kit.RetryAfterError
	if errors.As(err, &ra) {
		return KindRateLimited, ra.After
	}
	if errors.Is(err, kit.ErrNetwork) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindNetwork, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork, 0
	}
	return KindOther, 0
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d on a real timer. d <= 0 only reports ctx.Err().
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Client struct {
	platform kit.Platform
	policy   Policy
	log      logx.Logger
	sleep    SleepFunc
}

type Option func(*Client)

// WithSleep replaces the wait primitive (tests).
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func New(p kit.Platform, policy Policy, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{platform: p, policy: policy.withDefaults(), log: log, sleep: Sleep}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendAlbum delivers g to the target. See the package doc for the retry rules.
func (c *Client) SendAlbum(ctx context.Context, to kit.ChatTarget, g album.Group) ([]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	maxAttempts := c.policy.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := c.platform.SendAlbum(ctx, to, g.Photos)
		if err == nil {
			if attempt > 1 {
				c.log.Info("album delivered after retry", logx.String("item", g.ItemID), logx.Int("attempt", attempt))
			}
			return ids, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		final := attempt == maxAttempts
		kind, wait := Classify(err)
		switch kind {
		case KindRateLimited:
			c.log.Warn("telegram flood limit",
				logx.String("item", g.ItemID), logx.Duration("retry_after", wait),
				logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		case KindNetwork:
			wait = c.policy.NetworkBackoff
			c.log.Warn("telegram network error",
				logx.String("item", g.ItemID), logx.Err(err), logx.Duration("backoff", wait),
				logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		default:
			c.log.Error("telegram api error",
				logx.String("item", g.ItemID), logx.Err(err),
				logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
			if final {
				return nil, &DeliveryError{ItemID: g.ItemID, Attempts: attempt, Err: err}
			}
			wait = c.policy.ErrorBackoff
		}

		if final {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	c.log.Warn("album not delivered: attempts exhausted", logx.String("item", g.ItemID), logx.Int("attempts", maxAttempts))
	return nil, nil
}
