package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if err := Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := Status("serving"); err != nil {
		t.Fatalf("Status: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watchdog: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Watchdog should return at once without WATCHDOG_USEC")
	}
}
