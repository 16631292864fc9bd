package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if err := c.Sleep(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := c.Sleep(context.Background(), 20*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got := c.Now(); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("Now = %v, want %v", got, start.Add(30*time.Second))
	}
	s := c.Sleeps()
	if len(s) != 2 || s[0] != 10*time.Second || s[1] != 20*time.Second {
		t.Fatalf("Sleeps = %v", s)
	}
}

func TestFakeSleepCanceled(t *testing.T) {
	t.Parallel()
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected error on canceled context")
	}
	if len(c.Sleeps()) != 0 {
		t.Fatal("canceled sleep should not be recorded")
	}
}

func TestRealSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := Real().Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("sleep did not return on cancel")
	}
}
