package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
	"github.com/MrWong99/voicegate/pkg/provider/s2s/mock"
)

func fastReconnector(p *mock.Provider, attempts int) *Reconnector {
	return NewReconnector(ReconnectorConfig{
		Provider:    p,
		MaxAttempts: attempts,
		Backoff:     time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		JitterMin:   time.Microsecond,
		JitterMax:   time.Microsecond,
	})
}

func TestInitialConnectDoesNotRetry(t *testing.T) {
	p := mock.NewProvider()
	p.FailConnects(errors.New("boom"))
	r := fastReconnector(p, 5)

	if _, err := r.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded despite provider failure")
	}
	if got := p.ConnectCount(); got != 1 {
		t.Errorf("connect count = %d, want 1 (no retries on initial connect)", got)
	}
}

func TestReconnectRetriesUntilSuccess(t *testing.T) {
	p := mock.NewProvider()
	p.FailConnects(errors.New("down"), errors.New("still down"))
	r := fastReconnector(p, 5)

	sess, err := r.Reconnect(context.Background())
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if sess == nil {
		t.Fatal("Reconnect returned nil session")
	}
	if got := p.ConnectCount(); got != 3 {
		t.Errorf("connect count = %d, want 3", got)
	}

	// Three attempt events, then the establishment event.
	var types []s2s.EventType
	for len(r.Events()) > 0 {
		types = append(types, (<-r.Events()).Type)
	}
	if len(types) == 0 || types[len(types)-1] != s2s.EventReconnected {
		t.Errorf("events = %v, want trailing %q", types, s2s.EventReconnected)
	}
	attempts := 0
	for _, ty := range types {
		if ty == s2s.EventReconnecting {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("attempt events = %d, want 3", attempts)
	}
}

func TestReconnectTerminalFailureEmittedOnce(t *testing.T) {
	p := mock.NewProvider()
	p.FailConnects(
		errors.New("1"), errors.New("2"), errors.New("3"),
		errors.New("4"), errors.New("5"),
	)
	r := fastReconnector(p, 3)

	if _, err := r.Reconnect(context.Background()); err == nil {
		t.Fatal("Reconnect succeeded despite exhausted budget")
	}
	if got := p.ConnectCount(); got != 3 {
		t.Errorf("connect count = %d, want 3", got)
	}

	failed := 0
	for len(r.Events()) > 0 {
		if (<-r.Events()).Type == s2s.EventReconnectFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("terminal failure events = %d, want exactly 1", failed)
	}
}

func TestReconnectHonoursContextCancellation(t *testing.T) {
	p := mock.NewProvider()
	p.FailConnects(errors.New("down"), errors.New("down"), errors.New("down"))
	r := NewReconnector(ReconnectorConfig{
		Provider:    p,
		MaxAttempts: 5,
		Backoff:     10 * time.Second, // far longer than the test deadline
		JitterMin:   time.Microsecond,
		JitterMax:   time.Microsecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := r.Reconnect(ctx); err == nil {
		t.Fatal("Reconnect succeeded, want cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Reconnect blocked %v past cancellation", elapsed)
	}
}

func TestStopAbortsReconnect(t *testing.T) {
	p := mock.NewProvider()
	p.FailConnects(errors.New("down"))
	r := fastReconnector(p, 5)
	r.Stop()
	r.Stop() // idempotent

	if _, err := r.Reconnect(context.Background()); err == nil {
		t.Fatal("Reconnect succeeded after Stop")
	}
	if got := p.ConnectCount(); got != 0 {
		t.Errorf("connect count = %d, want 0 after Stop", got)
	}
}

func TestRefreshDue(t *testing.T) {
	p := mock.NewProvider()
	p.SetCapabilities(s2s.Capabilities{MaxSessionDuration: time.Hour})
	r := NewReconnector(ReconnectorConfig{
		Provider:      p,
		RefreshMargin: 10 * time.Minute,
	})

	if r.RefreshDue(time.Now()) {
		t.Error("fresh session reported as refresh-due")
	}
	if !r.RefreshDue(time.Now().Add(-55 * time.Minute)) {
		t.Error("session inside the refresh margin not reported as due")
	}

	// A provider without a ceiling never needs a refresh.
	p.SetCapabilities(s2s.Capabilities{})
	if r.RefreshDue(time.Now().Add(-24 * time.Hour)) {
		t.Error("unbounded session reported as refresh-due")
	}
}
