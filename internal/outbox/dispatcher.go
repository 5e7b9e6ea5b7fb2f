package outbox

import (
	"context"
	"log/slog"
	"time"
)

const dispatchBatch = 50

// Handler delivers one entry to its collaborator. A nil error marks it delivered.
type Handler func(ctx context.Context, e Entry) error

// Dispatcher drains pending entries, on every wake-up and on a fixed interval
type Dispatcher struct {
	outbox   *Outbox
	handlers map[string]Handler
	interval time.Duration
	logger   *slog.Logger
}

func NewDispatcher(o *Outbox, handlers map[string]Handler, interval time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{outbox: o, handlers: handlers, interval: interval, logger: logger}
}

// Run blocks until ctx is done. wake may be nil.
func (d *Dispatcher) Run(ctx context.Context, wake <-chan string) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
		}
		d.drain(ctx)
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	if n, err := d.DrainOnce(ctx); err != nil {
		d.logger.Warn("outbox drain failed", "error", err)
	} else if n > 0 {
		d.logger.Info("outbox entries delivered", "count", n)
	}
}

// DrainOnce delivers one batch per consumer and returns how many succeeded.
// Failed entries stay pending for the next round.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	delivered := 0
	for consumer, handle := range d.handlers {
		entries, err := d.outbox.Pending(ctx, consumer, dispatchBatch)
		if err != nil {
			return delivered, err
		}
		for _, e := range entries {
			if err := handle(ctx, e); err != nil {
				d.logger.Warn("outbox delivery failed", "consumer", consumer, "session_id", e.SessionID, "error", err)
				continue
			}
			if err := d.outbox.MarkDelivered(ctx, consumer, e.SessionID); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
	return delivered, nil
}
