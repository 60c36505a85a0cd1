package router

import (
	"context"
	"time"

	kit "cardrelay/internal/transport"
	logx "cardrelay/pkg/logx"
)

// DispatchLoop handles updates one at a time until ctx ends or updates is
// closed. The delivery buffer is drained after every update, whenever wake
// fires (the buffer's push signal), and on each drain tick. A nil wake
// leaves the tick as the only idle trigger.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update, wake <-chan struct{}) error {
	interval := r.config().DrainInterval
	t := time.NewTicker(interval)
	defer t.Stop()

	r.log.Info("command dispatcher started", logx.Duration("drain_interval", interval))
	defer r.log.Info("command dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Handle(ctx, up)
			r.drainOnce(ctx)
		case <-wake:
			r.drainOnce(ctx)
		case <-t.C:
			r.drainOnce(ctx)
			if d := r.config().DrainInterval; d != interval {
				interval = d
				t.Reset(interval)
				r.log.Info("drain interval changed", logx.Duration("drain_interval", interval))
			}
		}
	}
}

func (r *Router) drainOnce(ctx context.Context) {
	if r.drain == nil || ctx.Err() != nil {
		return
	}
	res := r.drain.Drain(ctx)
	if res.Popped > 0 {
		r.log.Debug("delivery drained",
			logx.Int("popped", res.Popped),
			logx.Int("sent", res.Sent),
			logx.Int("deduped", res.Deduped),
			logx.Int("dropped", res.Dropped),
		)
	}
}
