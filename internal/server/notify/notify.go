// Package notify abstracts out-of-band message delivery (verification code
// emails). Dispatch is best-effort: engines never block on delivery and never
// fail an operation because a message could not be sent.
package notify

import (
	"context"

	"github.com/akosenkov/passvault/internal/logging"
)

// TemplateKind selects the message template to render.
type TemplateKind string

const (
	// TemplateVerificationCode carries a freshly issued device code.
	TemplateVerificationCode TemplateKind = "verification_code"
)

// Dispatcher delivers a templated message to a destination (an email address
// in the current deployment).
type Dispatcher interface {
	Send(ctx context.Context, destination string, kind TemplateKind, data map[string]string) error
}

// LogDispatcher is the default Dispatcher: it records the would-be delivery
// in the structured log. Real deployments plug an SMTP/ESP implementation in
// its place.
type LogDispatcher struct {
	log logging.Logger
}

func NewLogDispatcher(log logging.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Send(ctx context.Context, destination string, kind TemplateKind, data map[string]string) error {
	d.log.Info(ctx, "dispatching notification", "destination", destination, "template", string(kind))
	return nil
}
