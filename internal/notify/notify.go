// Package notify delivers user-facing notices about session progress to
// the log and, optionally, to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Severity classifies a notice.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Color constants for notice severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Color maps a severity to a sidebar color.
func (s Severity) Color() string {
	switch s {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// Field is a short key/value shown alongside a notice.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notice is one user-facing message.
type Notice struct {
	Title    string
	Body     string
	Severity Severity
	Fields   []Field
}

func (n Notice) String() string {
	if n.Body == "" {
		return n.Title
	}
	return fmt.Sprintf("%s: %s", n.Title, n.Body)
}

// Notifier delivers notices somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to a zap logger at a level matching their
// severity.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	log := l.Logger
	if log == nil {
		return nil
	}
	fields := make([]zap.Field, 0, len(n.Fields)+1)
	if n.Body != "" {
		fields = append(fields, zap.String("body", n.Body))
	}
	for _, f := range n.Fields {
		fields = append(fields, zap.String(f.Name, f.Value))
	}
	switch n.Severity {
	case SeverityError:
		log.Error(n.Title, fields...)
	case SeverityWarning:
		log.Warn(n.Title, fields...)
	default:
		log.Info(n.Title, fields...)
	}
	return nil
}

// Multi fans a notice out to every notifier. Every notifier is tried; the
// failures are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notice) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notice) error {
	return f(ctx, n)
}
