package courier_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/qvcloud/courier"
	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Log(v ...any) {}
func (l *recordingLogger) Logf(format string, v ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func TestOptionTracker(t *testing.T) {
	logger := &recordingLogger{}
	ctx := courier.TrackOptions(context.Background())

	type testKey struct{}

	ctx = courier.WithTrackedValue(ctx, testKey{}, "val", "test.WithOption")

	// Unconsumed: one warning naming the option constructor.
	courier.WarnUnconsumed(ctx, logger)
	assert.Len(t, logger.warnings, 1)
	assert.Contains(t, logger.warnings[0], "test.WithOption")

	logger.warnings = nil

	val := courier.GetTrackedValue(ctx, testKey{})
	assert.Equal(t, "val", val)

	// Consumed: silence.
	courier.WarnUnconsumed(ctx, logger)
	assert.Empty(t, logger.warnings)
}

func TestTracking_WithoutTracker(t *testing.T) {
	type testKey struct{}

	// Degrades to context.WithValue when no tracker is installed.
	ctx := courier.WithTrackedValue(context.Background(), testKey{}, 7, "test.WithOption")
	assert.Equal(t, 7, courier.GetTrackedValue(ctx, testKey{}))

	// WarnUnconsumed is a no-op without a tracker or logger.
	courier.WarnUnconsumed(ctx, &recordingLogger{})
	courier.WarnUnconsumed(nil, nil)
}

func TestGetTrackedValue_Missing(t *testing.T) {
	type testKey struct{}

	assert.Nil(t, courier.GetTrackedValue(nil, testKey{}))
	assert.Nil(t, courier.GetTrackedValue(context.Background(), testKey{}))
	assert.Nil(t, courier.GetTrackedValue(courier.TrackOptions(context.Background()), testKey{}))
}
