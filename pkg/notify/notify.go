// Package notify delivers operator alerts. The channel is transport-agnostic: an alert is
// a subject plus ordered key/value fields.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/guido-cesarano/taskgate/pkg/logger"
)

// Field is one line of an alert body.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Alert is a structured operator notification.
type Alert struct {
	Subject string  `json:"subject"`
	Fields  []Field `json:"fields"`
}

// Add appends a field and returns the alert for chaining.
func (a *Alert) Add(key, value string) *Alert {
	a.Fields = append(a.Fields, Field{Key: key, Value: value})
	return a
}

// Body renders the fields as "key: value" lines.
func (a Alert) Body() string {
	var b strings.Builder
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
	}
	return b.String()
}

// Notifier sends alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the global logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, alert Alert) error {
	ev := logger.Log.Warn().Str("subject", alert.Subject)
	for _, f := range alert.Fields {
		ev = ev.Str(f.Key, f.Value)
	}
	ev.Msg("Operator alert")
	return nil
}

// Multi fans an alert out to several notifiers. Every notifier is tried.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of everything recorded so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
