package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		kind    Kind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{raw: "30m", kind: KindInterval, every: 30 * time.Minute},
		{raw: "1h30m", kind: KindInterval, every: 90 * time.Minute},
		{raw: "00:30", kind: KindInterval, every: 30 * time.Minute},
		{raw: "02:15", kind: KindInterval, every: 2*time.Hour + 15*time.Minute},
		{raw: "every: 10m", kind: KindInterval, every: 10 * time.Minute},
		{raw: "interval:01:00", kind: KindInterval, every: time.Hour},
		{raw: "*/30 * * * *", kind: KindCron, cron: "*/30 * * * *"},
		{raw: "0 0 */2 * * *", kind: KindCron, cron: "0 0 */2 * * *"},
		{raw: "@hourly", kind: KindCron, cron: "@hourly"},
		{raw: "cron: @every 45m", kind: KindCron, cron: "@every 45m"},
		{raw: "", wantErr: true},
		{raw: "soon", wantErr: true},
		{raw: "0s", wantErr: true},
		{raw: "00:00", wantErr: true},
		{raw: "00:75", wantErr: true},
		{raw: "cron:", wantErr: true},
		{raw: "* * *", wantErr: true},
		{raw: "every:-5m", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron {
				t.Fatalf("Parse(%q) = %+v", tt.raw, got)
			}
		})
	}
}

func TestSpecString(t *testing.T) {
	t.Parallel()
	if s := (Spec{Kind: KindInterval, Every: time.Minute}).String(); s != "every 1m0s" {
		t.Fatalf("String() = %q", s)
	}
	if s := (Spec{Kind: KindCron, Cron: "@daily"}).String(); s != "@daily" {
		t.Fatalf("String() = %q", s)
	}
}

func TestRunnerInterval(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	spec, err := Parse("10m")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(spec, WithClock(clock), WithImmediate(true))

	var calls atomic.Int32
	ran := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(context.Context) {
			calls.Add(1)
			ran <- struct{}{}
		})
	}()

	waitRun := func() {
		t.Helper()
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("job did not run")
		}
	}

	waitRun() // immediate
	bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bcancel()
	if err := clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)
	waitRun()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if r.Runs() != 2 {
		t.Fatalf("Runs() = %d", r.Runs())
	}
}

func TestRunnerCronStopsOnCancel(t *testing.T) {
	t.Parallel()

	spec, err := Parse("@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(spec, WithLocation(time.UTC)).Run(ctx, func(context.Context) {}) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
