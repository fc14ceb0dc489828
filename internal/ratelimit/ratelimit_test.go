package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitAdmitsWithinBurst(t *testing.T) {
	l := New(10, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx, "https://api.trello.com/1/cards/x", time.Second); err != nil {
			t.Fatalf("Wait[%d]: %v", i, err)
		}
	}
}

func TestWaitTimesOutWhenExhausted(t *testing.T) {
	l := New(0.001, 1)
	ctx := context.Background()

	if err := l.Wait(ctx, "https://api.trello.com/1/cards/x", time.Second); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := l.Wait(ctx, "https://api.trello.com/1/cards/x", 20*time.Millisecond); err == nil {
		t.Fatal("expected second Wait to time out")
	}
}

func TestWaitIsPerHost(t *testing.T) {
	l := New(0.001, 1)
	ctx := context.Background()

	if err := l.Wait(ctx, "https://api.trello.com/1/cards/x", time.Second); err != nil {
		t.Fatalf("trello Wait: %v", err)
	}
	if err := l.Wait(ctx, "https://api.github.com/repos/x", time.Second); err != nil {
		t.Fatalf("github Wait should not be limited by trello's bucket: %v", err)
	}
}
