// Package report is the narrow channel a measurement run uses to talk to
// whatever front end is attached: progress percentages, log lines with a
// severity hint, and the final aggregate.
package report

import "sync"

// Severity is a display hint for a log line.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "normal"
}

// Reporter receives events from one measurement run.
// Implementations may be called from several goroutines.
type Reporter[T any] interface {
	Progress(percent int)
	Log(text string, sev Severity)
	Done(result T)
}

// Funcs adapts optional callbacks to a Reporter. Nil fields are skipped.
type Funcs[T any] struct {
	OnProgress func(percent int)
	OnLog      func(text string, sev Severity)
	OnDone     func(result T)
}

func (f Funcs[T]) Progress(percent int) {
	if f.OnProgress != nil {
		f.OnProgress(percent)
	}
}

func (f Funcs[T]) Log(text string, sev Severity) {
	if f.OnLog != nil {
		f.OnLog(text, sev)
	}
}

func (f Funcs[T]) Done(result T) {
	if f.OnDone != nil {
		f.OnDone(result)
	}
}

// Nop returns a Reporter that drops everything.
func Nop[T any]() Reporter[T] { return Funcs[T]{} }

// Multi fans events out to every non-nil reporter, in order.
func Multi[T any](rs ...Reporter[T]) Reporter[T] {
	out := make(multi[T], 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multi[T any] []Reporter[T]

func (m multi[T]) Progress(percent int) {
	for _, r := range m {
		r.Progress(percent)
	}
}

func (m multi[T]) Log(text string, sev Severity) {
	for _, r := range m {
		r.Log(text, sev)
	}
}

func (m multi[T]) Done(result T) {
	for _, r := range m {
		r.Done(result)
	}
}

// Serialized wraps r so that its methods never run concurrently.
func Serialized[T any](r Reporter[T]) Reporter[T] {
	if r == nil {
		return Nop[T]()
	}
	return &serialized[T]{r: r}
}

type serialized[T any] struct {
	mu sync.Mutex
	r  Reporter[T]
}

func (s *serialized[T]) Progress(percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.Progress(percent)
}

func (s *serialized[T]) Log(text string, sev Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.Log(text, sev)
}

func (s *serialized[T]) Done(result T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.Done(result)
}

// Event is one recorded reporter call.
type Event[T any] struct {
	Kind     string // "progress" | "log" | "done"
	Percent  int
	Text     string
	Severity Severity
	Result   T
}

// Recorder keeps every event in order. It is safe for concurrent use and is
// mostly useful in tests and headless runs.
type Recorder[T any] struct {
	mu     sync.Mutex
	events []Event[T]
}

func (r *Recorder[T]) Progress(percent int) {
	r.add(Event[T]{Kind: "progress", Percent: percent})
}

func (r *Recorder[T]) Log(text string, sev Severity) {
	r.add(Event[T]{Kind: "log", Text: text, Severity: sev})
}

func (r *Recorder[T]) Done(result T) {
	r.add(Event[T]{Kind: "done", Result: result})
}

func (r *Recorder[T]) add(e Event[T]) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder[T]) Events() []Event[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event[T], len(r.events))
	copy(out, r.events)
	return out
}

// ProgressValues returns the recorded progress values in order.
func (r *Recorder[T]) ProgressValues() []int {
	var out []int
	for _, e := range r.Events() {
		if e.Kind == "progress" {
			out = append(out, e.Percent)
		}
	}
	return out
}

// Logs returns the recorded log events in order.
func (r *Recorder[T]) Logs() []Event[T] {
	var out []Event[T]
	for _, e := range r.Events() {
		if e.Kind == "log" {
			out = append(out, e)
		}
	}
	return out
}
