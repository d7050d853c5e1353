package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNetwork marks a failure that happened before the platform produced a response.
// Adapters wrap transport-level failures with it so callers can retry them.
var ErrNetwork = errors.New("network error")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Photo is one entry of an outgoing media group.
type Photo struct {
	Data     []byte
	Filename string
	Caption  string
}

// RetryAfterError is returned when the platform demands a pause before the next request.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Platform is an open session against the messaging platform.
type Platform interface {
	// SendAlbum sends photos as one media group and returns the produced message ids in platform order.
	SendAlbum(ctx context.Context, to ChatTarget, photos []Photo) ([]int, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
	Close() error
}

// Dialer opens sessions. Each batch owns the session it opened for its whole lifetime.
type Dialer interface {
	Open(ctx context.Context) (Platform, error)
}
