// Package metrics defines where training scalars go. Sinks are
// fire-and-forget: they never return errors to the training loop.
package metrics

import (
	"context"
	"log/slog"
)

// Sink records a named scalar at a step.
type Sink interface {
	Log(name string, value float64, step int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(string, float64, int) {}

// Logger writes each metric as a structured log record.
type Logger struct {
	L     *slog.Logger
	Level slog.Level
}

func (s Logger) Log(name string, value float64, step int) {
	l := s.L
	if l == nil {
		l = slog.Default()
	}
	l.Log(context.Background(), s.Level, "metric", "name", name, "value", value, "step", step)
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Log(name string, value float64, step int) {
	for _, s := range m {
		s.Log(name, value, step)
	}
}

// Prefixed prepends a label to every metric name, e.g. "Retrained_D_".
type Prefixed struct {
	Prefix string
	Sink   Sink
}

func (p Prefixed) Log(name string, value float64, step int) {
	p.Sink.Log(p.Prefix+name, value, step)
}

// Recorder keeps every metric in memory; useful for tests and summaries.
type Recorder struct {
	Points []Point
}

// Point is one recorded metric.
type Point struct {
	Name  string
	Value float64
	Step  int
}

func (r *Recorder) Log(name string, value float64, step int) {
	r.Points = append(r.Points, Point{Name: name, Value: value, Step: step})
}

// Last returns the most recent value logged under name.
func (r *Recorder) Last(name string) (float64, bool) {
	for i := len(r.Points) - 1; i >= 0; i-- {
		if r.Points[i].Name == name {
			return r.Points[i].Value, true
		}
	}
	return 0, false
}

// Names returns the distinct metric names in first-logged order.
func (r *Recorder) Names() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.Points {
		if !seen[p.Name] {
			seen[p.Name] = true
			out = append(out, p.Name)
		}
	}
	return out
}
