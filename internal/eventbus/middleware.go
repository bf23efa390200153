package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/yukin371/quill/pkg/logger"
)

// LoggingMiddleware 日志中间件
func LoggingMiddleware(log *logger.Logger) MiddlewareFunc {
	return func(next Handler) Handler {
		return func(ctx context.Context, event Event) error {
			start := time.Now()
			err := next(ctx, event)
			if err != nil {
				log.Debug("event %s failed after %v: %v", event.Type, time.Since(start), err)
			} else {
				log.Debug("event %s handled in %v", event.Type, time.Since(start))
			}
			return err
		}
	}
}

// RecoveryMiddleware 恢复中间件（捕获panic）. The bus installs it around
// every subscriber.
func RecoveryMiddleware(log *logger.Logger) MiddlewareFunc {
	return func(next Handler) Handler {
		return func(ctx context.Context, event Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
					log.Error("panic recovered in subscriber for %s: %v", event.Type, r)
				}
			}()
			return next(ctx, event)
		}
	}
}
