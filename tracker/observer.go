package tracker

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Observer receives status changes as the tracker sees them. Calls are made
// synchronously from the submission goroutine and the poll loop, so
// implementations should not block for long.
type Observer interface {
	// OnTriggered is called by Trigger before the submission starts, so it
	// always happens before OnSubmitted and any OnTransition for h.
	OnTriggered(ctx context.Context, h *Handle)
	// OnSubmitted is called once the handle has been published. It may race
	// with the poll loop's OnTransition calls.
	OnSubmitted(ctx context.Context, h *Handle)
	// OnTransition is called for every observed status change.
	OnTransition(ctx context.Context, h *Handle, from, to Status, detail string)
}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) OnTriggered(ctx context.Context, h *Handle) {
	for _, obs := range o {
		obs.OnTriggered(ctx, h)
	}
}

func (o Observers) OnSubmitted(ctx context.Context, h *Handle) {
	for _, obs := range o {
		obs.OnSubmitted(ctx, h)
	}
}

func (o Observers) OnTransition(ctx context.Context, h *Handle, from, to Status, detail string) {
	for _, obs := range o {
		obs.OnTransition(ctx, h, from, to, detail)
	}
}

// LogObserver writes every transition to a logrus logger.
type LogObserver struct {
	Logger *log.Logger
}

func (l LogObserver) OnTriggered(ctx context.Context, h *Handle) {}

func (l LogObserver) OnSubmitted(ctx context.Context, h *Handle) {}

func (l LogObserver) OnTransition(ctx context.Context, h *Handle, from, to Status, detail string) {
	logger := l.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{
		"transfer_id": h.ID(),
		"from":        from.String(),
		"to":          to.String(),
		"detail":      detail,
	}).Info("transfer status changed")
}
