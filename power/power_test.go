package power

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/1set/inkframe/clock"
)

func TestWaitUsesClock(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	if err := (Wait{Clock: clk}).Sleep(context.Background(), 900*time.Second); err != nil {
		t.Fatal(err)
	}
	if w := clk.Waits(); len(w) != 1 || w[0] != 900*time.Second {
		t.Fatalf("waits=%v", w)
	}
}

func TestRTCSuspendWritesAlarmAndState(t *testing.T) {
	dir := t.TempDir()
	alarm := filepath.Join(dir, "wakealarm")
	state := filepath.Join(dir, "state")
	for _, p := range []string{alarm, state} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := RTCSuspend{WakeAlarm: alarm, StateFile: state}
	if err := s.Sleep(context.Background(), 899500*time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got, _ := os.ReadFile(alarm); string(got) != "+900" {
		t.Fatalf("wakealarm=%q", got)
	}
	if got, _ := os.ReadFile(state); string(got) != "mem" {
		t.Fatalf("state=%q", got)
	}
}

func TestRTCSuspendMissingAlarm(t *testing.T) {
	s := RTCSuspend{WakeAlarm: filepath.Join(t.TempDir(), "missing"), StateFile: "/dev/null"}
	if err := s.Sleep(context.Background(), time.Second); err == nil {
		t.Fatal("expected error")
	}
}

type failingSleeper struct{ calls int }

func (f *failingSleeper) Sleep(context.Context, time.Duration) error {
	f.calls++
	return errors.New("permission denied")
}

func TestFallback(t *testing.T) {
	primary := &failingSleeper{}
	clk := clock.Fake(time.Unix(0, 0))
	if err := (Fallback{primary, Wait{Clock: clk}}).Sleep(context.Background(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 1 || len(clk.Waits()) != 1 {
		t.Fatalf("primary=%d waits=%v", primary.calls, clk.Waits())
	}
	if err := (Fallback{primary}).Sleep(context.Background(), time.Minute); err == nil {
		t.Fatal("expected error when every sleeper fails")
	}
}
