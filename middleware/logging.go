package middleware

import (
	"context"
	"time"

	"github.com/qvcloud/courier"
)

// Logging wraps a handler with per-delivery outcome and duration logging.
func Logging(h courier.Handler, l courier.Logger) courier.Handler {
	if l == nil {
		return h
	}

	return func(ctx context.Context, event courier.Event) error {
		start := time.Now()
		err := h(ctx, event)
		elapsed := time.Since(start)

		if err != nil {
			l.Logf("courier: ERROR topic=%s elapsed=%s err=%v", event.Topic(), elapsed, err)
		} else {
			l.Logf("courier: OK topic=%s elapsed=%s", event.Topic(), elapsed)
		}
		return err
	}
}
