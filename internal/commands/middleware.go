package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"doorbot/internal/metrics"
	logx "doorbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// errPanic wraps a recovered handler panic.
var errPanic = errors.New("command panicked")

// slowCommand promotes the per-command log line from debug to info.
const slowCommand = 750 * time.Millisecond

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// observe logs one line per command and counts it in commands_total. The
// request logger already carries rid, room, sender and route.
func observe() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			result := commandResult(ctx, err)
			metrics.CommandsHandled.WithLabelValues(req.Command, result).Inc()

			fields := []logx.Field{
				logx.String("path", strings.Join(req.Path, " ")),
				logx.Int("args", len(req.Args)),
				logx.String("result", result),
				logx.Duration("took", took),
			}
			if len(req.Args) > 0 {
				fields = append(fields, logx.String("argv", strings.Join(req.Args, " ")))
			}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				req.Logger.Info("command slow", fields...)
			default:
				req.Logger.Debug("command handled", fields...)
			}
			return err
		}
	}
}

func commandResult(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errPanic):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// recoverPanic keeps one bad handler from taking down the dispatch worker.
func recoverPanic() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panic",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("%w: %v", errPanic, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// withTimeout bounds a command, including its reply send.
func withTimeout(d time.Duration) Middleware {
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
