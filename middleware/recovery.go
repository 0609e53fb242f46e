package middleware

import (
	"context"
	"fmt"
	"runtime"

	"github.com/qvcloud/courier"
)

// Recovery converts handler panics into errors, logging the stack when a
// logger is supplied. Under AckOnSuccess this turns a crash into a nack
// instead of a hung delivery; it cannot help under AckOnDelivery, where
// the message is already settled when the handler runs.
func Recovery(h courier.Handler, l courier.Logger) courier.Handler {
	return func(ctx context.Context, event courier.Event) (err error) {
		defer func() {
			if r := recover(); r != nil {
				if l != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					l.Logf("courier: panic in handler for topic %s: %v\n%s", event.Topic(), r, buf[:n])
				}
				err = fmt.Errorf("courier: panic recovered: %v", r)
			}
		}()
		return h(ctx, event)
	}
}
