package measure

import (
	"slices"
	"testing"
)

func TestProgressNeverDecreases(t *testing.T) {
	t.Parallel()

	var got []int
	p := newProgress(func(v int) { got = append(got, v) })

	p.set(0)
	p.bandwidthRunning(0.2)
	p.bandwidthRunning(0.1) // late tick with a smaller estimate
	p.bandwidthRunning(5)   // past the deadline still stops short of 50
	p.bandwidthSettled()
	p.bandwidthSettled()
	p.latencyRunning(0, 2, 0)
	p.latencyRunning(1, 2, 0)
	p.latencyRunning(2, 2, 0)
	p.latencySettled()
	for v := 91; v <= 100; v++ {
		p.set(v)
	}

	want := []int{0, 10, 49, 50, 70, 89, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100}
	if !slices.Equal(got, want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
}

func TestProgressPhaseBoundariesEmittedOnce(t *testing.T) {
	t.Parallel()

	counts := map[int]int{}
	p := newProgress(func(v int) { counts[v]++ })
	p.set(0)
	p.bandwidthSettled()
	p.latencyRunning(0, 0, 0)
	p.latencyRunning(0, 3, 0)
	p.latencySettled()
	p.latencySettled()

	if counts[50] != 1 || counts[90] != 1 {
		t.Fatalf("boundary counts = %v", counts)
	}
	if p.value() != 90 {
		t.Fatalf("value() = %d", p.value())
	}
}
