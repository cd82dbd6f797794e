package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"carebot/internal/reminder"
	logx "carebot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			switch {
			case err != nil:
				req.Log.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
			case d >= 750*time.Millisecond:
				req.Log.Info("request ok", logx.Duration("dur", d))
			default:
				req.Log.Debug("request ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}

// MWErrorReply turns handler errors into a user-facing reply. Validation
// messages are shown as is; internal errors are not.
func MWErrorReply() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			var (
				ve *reminder.ValidationError
				nf *reminder.NotFoundError
				ue *usageError
			)
			text := "Something went wrong, please try again later."
			switch {
			case errors.As(err, &ue):
				text = "Usage: " + ue.usage
			case errors.As(err, &ve):
				text = "⚠️ " + ve.Error()
			case errors.As(err, &nf):
				text = "Reminder not found."
			}
			// The request context may be spent; the reply gets its own budget.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = req.Reply(rctx, text)
			return err
		}
	}
}

type usageError struct{ usage string }

func (e *usageError) Error() string { return "usage: " + e.usage }
