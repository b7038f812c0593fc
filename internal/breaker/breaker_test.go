package breaker

import (
	"errors"
	"testing"
)

func TestExecutePassesThroughResults(t *testing.T) {
	r := NewRegistry()

	out, err := r.Execute("k1", func() (any, error) { return "ok", nil })
	if err != nil || out != "ok" {
		t.Fatalf("Execute = %v, %v", out, err)
	}

	boom := errors.New("boom")
	if _, err := r.Execute("k1", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("provider down")

	for i := 0; i < consecutiveFailures; i++ {
		_, _ = r.Execute("k1", func() (any, error) { return nil, boom })
	}
	if got := r.State("k1"); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	called := false
	_, err := r.Execute("k1", func() (any, error) { called = true; return nil, nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the breaker is open")
	}
}

func TestBreakersAreIndependentPerKey(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("down")

	for i := 0; i < consecutiveFailures; i++ {
		_, _ = r.Execute("bad", func() (any, error) { return nil, boom })
	}

	if _, err := r.Execute("good", func() (any, error) { return 1, nil }); err != nil {
		t.Fatalf("unrelated key should be unaffected, got %v", err)
	}
}

func TestForgetResetsBreaker(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("down")
	for i := 0; i < consecutiveFailures; i++ {
		_, _ = r.Execute("k", func() (any, error) { return nil, boom })
	}

	r.Forget("k")
	if got := r.State("k"); got != "closed" {
		t.Fatalf("state after forget = %q, want closed", got)
	}
	if _, err := r.Execute("k", func() (any, error) { return 1, nil }); err != nil {
		t.Fatalf("fresh breaker should pass, got %v", err)
	}
}
