package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// testBreaker returns a breaker with a controllable clock.
func testBreaker(maxFailures int, timeout time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker("test-dep", maxFailures, timeout)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerErrorNamesDependency(t *testing.T) {
	b, _ := testBreaker(1, time.Minute)
	_ = b.Execute(func() error { return errBoom })

	err := b.Execute(func() error { return nil })
	if err == nil || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := err.Error(); got != "test-dep: circuit breaker is open" {
		t.Errorf("error text = %q", got)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}

	// Two more failures do not reach the threshold after the reset.
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	_ = b.Execute(func() error { return errBoom })

	*now = now.Add(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open after timeout", b.State())
	}

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after successful probe", b.State())
	}
}

func TestBreakerHalfOpenProbeReopens(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	_ = b.Execute(func() error { return errBoom })

	*now = now.Add(2 * time.Minute)
	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want boom", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", b.State())
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	_ = b.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	probeRunning := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(func() error {
			close(probeRunning)
			<-release
			return nil
		})
	}()

	<-probeRunning
	// A second caller during the probe is rejected, not run.
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent probe err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: %v", err)
	}
}
