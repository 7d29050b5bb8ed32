package application

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/labreserve/internal/activity"
)

// Notification templates.
const (
	TemplateAwaitingDecision   = "request.awaiting_decision"
	TemplateRequestApproved    = "request.approved"
	TemplateRequestRejected    = "request.rejected"
	TemplateRequestWithdrawn   = "request.withdrawn"
	TemplateLoanIssued         = "loan.issued"
	TemplateLoanDeclined       = "loan.declined"
	TemplateReturnRequested    = "loan.return_requested"
	TemplateLoanReturned       = "loan.returned"
	TemplateExtensionRequested = "loan.extension_requested"
	TemplateExtensionDecided   = "loan.extension_decided"
)

// Notifier delivers a templated message to directory users. Delivery is best
// effort; callers never see its errors.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, template string, data map[string]any) error
}

// LogNotifier writes every notification to the log instead of delivering it.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, recipients []string, template string, data map[string]any) error {
	defaultLogger(n.Logger).InfoContext(ctx, "notification",
		"template", template,
		"recipients", recipients,
		"data", data,
	)
	return nil
}

// Metrics receives workflow counters. The prometheus recorder in
// internal/metrics implements it.
type Metrics interface {
	TransitionRecorded(entity activity.EntityType, action activity.Action)
	Refused(entity activity.EntityType, kind string)
	NotificationFailed(template string)
}

type noopMetrics struct{}

func (noopMetrics) TransitionRecorded(activity.EntityType, activity.Action) {}
func (noopMetrics) Refused(activity.EntityType, string)                    {}
func (noopMetrics) NotificationFailed(string)                              {}

// message is a notification resolved after commit.
type message struct {
	template string
	data     map[string]any
	// recipients resolves the user ids lazily on the dispatch goroutine.
	recipients func(ctx context.Context) ([]string, error)
}

// Dispatcher sends notifications on background goroutines once the store
// transaction that produced them has committed.
type Dispatcher struct {
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher wraps notifier. A nil notifier logs messages.
func NewDispatcher(notifier Notifier, metrics Metrics, logger *slog.Logger) *Dispatcher {
	logger = defaultLogger(logger)
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{notifier: notifier, metrics: metrics, logger: logger}
}

func (d *Dispatcher) send(ctx context.Context, msgs ...message) {
	if d == nil || len(msgs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, m := range msgs {
			d.deliver(ctx, m)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, m message) {
	logger := serviceLogger(ctx, d.logger, "Dispatcher", "Notify", "template", m.template)
	recipients, err := m.recipients(ctx)
	if err == nil && len(recipients) == 0 {
		return
	}
	if err == nil {
		err = d.notifier.Notify(ctx, recipients, m.template, m.data)
	}
	if err != nil {
		d.metrics.NotificationFailed(m.template)
		logger.WarnContext(ctx, "notification failed", "error", err)
	}
}

// Wait blocks until every dispatched notification finished.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

func fixedRecipients(ids ...string) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) {
		return uniqueStrings(ids), nil
	}
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
