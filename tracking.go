package courier

import (
	"context"
	"sync"
)

// Logger is the minimal logging contract carried in Options. The
// standard library's *log.Logger does not satisfy it directly; wrap it
// or supply your own.
type Logger interface {
	Log(v ...any)
	Logf(format string, v ...any)
}

// Backend-specific options (exchange names, prefetch counts, reply
// subjects) travel as context values so the root package stays free of
// per-backend fields. The tracker below records which of those values a
// backend actually read, so a rabbitmq option silently passed to the
// kafka backend produces a warning instead of nothing.

type trackerKey struct{}

type optionTracker struct {
	mu      sync.Mutex
	entries map[any]*trackedValue
}

type trackedValue struct {
	name     string
	value    any
	consumed bool
}

// TrackOptions returns a context that records backend-specific option
// values for WarnUnconsumed.
func TrackOptions(ctx context.Context) context.Context {
	return context.WithValue(ctx, trackerKey{}, &optionTracker{
		entries: make(map[any]*trackedValue),
	})
}

// WithTrackedValue stores value under key. name identifies the option
// constructor in WarnUnconsumed output. When ctx carries no tracker this
// degrades to a plain context.WithValue.
func WithTrackedValue(ctx context.Context, key, value any, name string) context.Context {
	if t, ok := ctx.Value(trackerKey{}).(*optionTracker); ok {
		t.mu.Lock()
		t.entries[key] = &trackedValue{name: name, value: value}
		t.mu.Unlock()
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

// GetTrackedValue retrieves the value stored under key and marks it
// consumed. It returns nil when the key is absent.
func GetTrackedValue(ctx context.Context, key any) any {
	if ctx == nil {
		return nil
	}
	if t, ok := ctx.Value(trackerKey{}).(*optionTracker); ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		if e, ok := t.entries[key]; ok {
			e.consumed = true
			return e.value
		}
		return nil
	}
	return ctx.Value(key)
}

// WarnUnconsumed logs, via l, every tracked option that no backend has
// read yet. Backends call it once the connection or operation is
// established. It is a no-op without a tracker or logger.
func WarnUnconsumed(ctx context.Context, l Logger) {
	if ctx == nil || l == nil {
		return
	}
	t, ok := ctx.Value(trackerKey{}).(*optionTracker)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.consumed {
			l.Logf("courier: option %s was set but never consumed by the active broker", e.name)
		}
	}
}
