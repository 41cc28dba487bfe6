package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/logger"
)

func TestNew_JSONWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithProduction("eventstream"),
		logger.WithOutput(&buf),
	)
	log.Info("delivered", logger.StreamID(7), logger.EventCount(3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "delivered", rec["msg"])
	assert.Equal(t, "eventstream", rec["app"])
	assert.Equal(t, "production", rec["env"])
	assert.EqualValues(t, 7, rec["stream_id"])
	assert.EqualValues(t, 3, rec["event_count"])
}

func TestNew_LevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithLevelName("warn"),
	)
	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithLevelName_Invalid(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithLevel(slog.LevelError),
		logger.WithLevelName("loud"),
	)
	log.Warn("hidden")
	assert.Empty(t, buf.String())
}

func TestWithEnvironment(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(logger.WithEnvironment("prod", "svc"), logger.WithOutput(&buf))
	log.Info("x")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "production", rec["env"])
}

func TestError(t *testing.T) {
	t.Parallel()
	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())

	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestErrors(t *testing.T) {
	t.Parallel()
	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil, nil).Equal(slog.Attr{}))
}

func TestDomainAttrs(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	assert.Equal(t, id.String(), logger.SubscriberID(id).Value.String())
	assert.True(t, logger.SubscriberID(uuid.Nil).Equal(slog.Attr{}))
	assert.True(t, logger.StreamName("").Equal(slog.Attr{}))
	assert.True(t, logger.ConnectionRef("").Equal(slog.Attr{}))
	assert.Equal(t, int64(42), logger.Cursor("last_delivered_id", 42).Value.Int64())
	assert.Equal(t, "fanout", logger.Processor("fanout").Value.String())
	assert.Equal(t, time.Second, logger.Duration(time.Second).Value.Duration())
}
