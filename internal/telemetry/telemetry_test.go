package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"librarycirc/internal/circulation"
	"librarycirc/internal/circulation/memstore"
	"librarycirc/internal/httpjson"
)

type staticCatalog int

func (c staticCatalog) TotalCopies(context.Context, uuid.UUID) (int, bool, error) {
	return int(c), true, nil
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "circulation", slog.LevelWarn)
	logger.Info("dropped")
	logger.Warn("kept", slog.Int("n", 1))

	var line map[string]any
	require.NoError(t, httpjson.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "circulation", line["service"])
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "circulation", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestTransitionsAreTraced(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	recorder := tracetest.NewSpanRecorder()
	shutdown, err := install(context.Background(), "circulation", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer shutdown(context.Background())

	svc := circulation.NewCoordinator(memstore.New(), staticCatalog(1))
	bookID := uuid.New()
	_, err = svc.Borrow(context.Background(), bookID, uuid.New())
	require.NoError(t, err)
	_, err = svc.Borrow(context.Background(), bookID, uuid.New())
	require.ErrorIs(t, err, circulation.ErrBookUnavailable)

	outcomes := map[string]string{}
	for _, span := range recorder.Ended() {
		if span.Name() != "circulation.borrow" {
			continue
		}
		for _, attr := range span.Attributes() {
			if attr.Key == "transition.outcome" {
				outcomes[attr.Value.AsString()] = span.Name()
			}
		}
	}
	assert.Contains(t, outcomes, "ok")
	assert.Contains(t, outcomes, "contention")
}
