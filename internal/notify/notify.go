// Package notify carries the user-visible outcome of collection mutations.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Level is the severity of a notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Action names the mutation a notice reports on.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionUpdate Action = "update"
	ActionClear  Action = "clear"
)

// Notice is one mutation outcome.
type Notice struct {
	Level      Level     `json:"level"`
	Action     Action    `json:"action"`
	Collection string    `json:"collection"`
	Message    string    `json:"message"`
	Err        error     `json:"-"`
	At         time.Time `json:"at"`
}

// Notifier receives notices. Implementations must be safe for concurrent use
// and must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Nop drops every notice.
var Nop Notifier = NotifierFunc(func(context.Context, Notice) {})

// Multi fans a notice out to every non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	var list []Notifier
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return NotifierFunc(func(ctx context.Context, n Notice) {
		for _, target := range list {
			target.Notify(ctx, n)
		}
	})
}

// LogNotifier writes notices to a structured logger. Errors are logged at
// warn since they are already reported to the caller.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	attrs := []any{
		slog.String("collection", n.Collection),
		slog.String("action", string(n.Action)),
		slog.String("notice", n.Message),
	}
	if n.Level == LevelError {
		if n.Err != nil {
			attrs = append(attrs, slog.String("error", n.Err.Error()))
		}
		l.logger.WarnContext(ctx, "collection mutation failed", attrs...)
		return
	}
	l.logger.InfoContext(ctx, "collection mutation", attrs...)
}

// Recorder keeps the most recent notices in a bounded ring buffer.
type Recorder struct {
	mu    sync.Mutex
	buf   []Notice
	start int
	size  int
}

// NewRecorder creates a Recorder holding at most capacity notices. A
// capacity below one is raised to one.
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{buf: make([]Notice, capacity)}
}

// Notify implements Notifier. When full, the oldest notice is overwritten.
func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := (r.start + r.size) % len(r.buf)
	r.buf[end] = n
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// Drain returns the buffered notices oldest first and empties the buffer.
func (r *Recorder) Drain() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Notice, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
		r.buf[(r.start+i)%len(r.buf)] = Notice{}
	}
	r.start, r.size = 0, 0
	return out
}

// Len is the number of buffered notices.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// MetricsNotifier counts notices by collection, action and level.
type MetricsNotifier struct {
	mutations *prometheus.CounterVec
}

// NewMetricsNotifier registers the mutation counter with reg.
func NewMetricsNotifier(reg prometheus.Registerer) *MetricsNotifier {
	m := &MetricsNotifier{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_collection_mutations_total",
			Help: "Collection mutations by outcome",
		}, []string{"collection", "action", "level"}),
	}
	reg.MustRegister(m.mutations)
	return m
}

// Notify implements Notifier.
func (m *MetricsNotifier) Notify(_ context.Context, n Notice) {
	m.mutations.WithLabelValues(n.Collection, string(n.Action), string(n.Level)).Inc()
}
