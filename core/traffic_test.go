package core

import (
	"errors"
	"testing"
)

func TestTrafficValidate(t *testing.T) {
	tests := []struct {
		name    string
		traffic Traffic
		wantErr bool
	}{
		{"deterministic", Traffic{Mode: TimeDeterministic, Interval: 1000}, false},
		{"empty mode", Traffic{Interval: 1000}, false},
		{"max ignores interval", Traffic{MaxRate: true}, false},
		{"zero interval", Traffic{Mode: TimeExpo}, true},
		{"negative jitter", Traffic{Mode: TimeNormal, Interval: 1000, Jitter: -1}, true},
		{"unknown mode", Traffic{Mode: "bursty", Interval: 1000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.traffic.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTraffic) {
				t.Fatalf("Validate() = %v, want ErrInvalidTraffic", err)
			}
		})
	}
}

func TestArrivalsDeterministic(t *testing.T) {
	a, err := newArrivals(Traffic{Mode: TimeDeterministic, Interval: 1000}, 41, testRNG(1))
	if err != nil {
		t.Fatalf("newArrivals: %v", err)
	}
	if got := a.first(); got != 1000 {
		t.Fatalf("first() = %d, want 1000", got)
	}
	if got := a.next(1000, 41); got != 2000 {
		t.Fatalf("next(1000) = %d, want 2000", got)
	}
}

func TestArrivalsNeverOverlapOwnFrame(t *testing.T) {
	for _, mode := range []TimeMode{TimeNormal, TimeUniform, TimeExpo} {
		a, err := newArrivals(Traffic{Mode: mode, Interval: 100, Jitter: 500}, 300, testRNG(3))
		if err != nil {
			t.Fatalf("%s: newArrivals: %v", mode, err)
		}
		now := int64(0)
		for i := 0; i < 1000; i++ {
			next := a.next(now, 300)
			if next < now+300 {
				t.Fatalf("%s: next(%d) = %d, before the frame ends at %d", mode, now, next, now+300)
			}
			now = next
		}
	}
}

func TestArrivalsNaiveFirstIsWithinInterval(t *testing.T) {
	a, err := newArrivals(Traffic{Mode: TimeNaive, Interval: 1000}, 41, testRNG(5))
	if err != nil {
		t.Fatalf("newArrivals: %v", err)
	}
	for i := 0; i < 1000; i++ {
		if got := a.first(); got < 0 || got >= 1000 {
			t.Fatalf("first() = %d, want [0, 1000)", got)
		}
	}
	if got := a.next(250, 41); got != 1250 {
		t.Fatalf("naive next(250) = %d, want deterministic 1250", got)
	}
}

func TestArrivalsMaxRateUsesDutyCycle(t *testing.T) {
	a, err := newArrivals(Traffic{Mode: TimeDeterministic, MaxRate: true}, 41, testRNG(1))
	if err != nil {
		t.Fatalf("newArrivals: %v", err)
	}
	if a.mode != TimeExpo {
		t.Fatalf("mode = %s, want expo", a.mode)
	}
	if want := float64(41 + 4059); a.interval != want {
		t.Fatalf("interval = %v, want %v", a.interval, want)
	}
}

func TestBoundToHorizon(t *testing.T) {
	tests := []struct {
		next, duration, horizon, want int64
	}{
		{100, 50, 1000, 100},
		{950, 49, 1000, 950},
		{950, 50, 1000, Never},
		{2000, 1, 1000, Never},
		{-1, 1, 1000, Never},
	}
	for _, tt := range tests {
		if got := boundToHorizon(tt.next, tt.duration, tt.horizon); got != tt.want {
			t.Fatalf("boundToHorizon(%d, %d, %d) = %d, want %d", tt.next, tt.duration, tt.horizon, got, tt.want)
		}
	}
}
