package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	logx "cardrelay/pkg/logx"
)

var commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardrelay",
	Subsystem: "telegram",
	Name:      "commands_total",
	Help:      "Chat commands handled, by command and result.",
}, []string{"cmd", "result"})

// slowCommand is the duration past which a successful command is logged at info.
const slowCommand = 750 * time.Millisecond

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so the first middleware runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds the board and storage lookups a command makes.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

var errPanic = errors.New("command panicked")

// MWPanicRecover turns a panicking command into an error and tells the
// sender something went wrong, so the chat loop keeps draining.
func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("command panicked",
					logx.String("tracker", req.TrackerID()),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: %v", errPanic, r)
				if req.out != nil {
					_ = req.Reply(context.WithoutCancel(ctx), "Something went wrong handling that command. Try again later.")
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs each command with the tracker it came from and, once
// /track has resolved one, the board member it now follows.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("tracker", req.TrackerID()),
				logx.Int("args", len(req.Args)),
				logx.Duration("took", took),
			}
			if req.Target.Key != "" {
				fields = append(fields, logx.String("target", req.Target.Key), logx.String("target_name", req.Target.Name))
			}

			result := "ok"
			switch {
			case errors.Is(err, errPanic):
				result = "panic"
			case errors.Is(err, context.DeadlineExceeded):
				result = "timeout"
				req.Logger.Warn("command timed out", append(fields, logx.Err(err))...)
			case err != nil:
				result = "error"
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				req.Logger.Info("command slow", fields...)
			default:
				req.Logger.Debug("command ok", fields...)
			}
			commandsTotal.WithLabelValues(req.metricName, result).Inc()
			return err
		}
	}
}
