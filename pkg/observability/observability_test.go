package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "foundryd", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// A disabled provider is a working no-op.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.SLO())
}

func TestDisabledProviderNoops(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("k", "v"))
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordChunksIndexed(ctx, 42)
	p.RecordIngestedBytes(ctx, 1024)
	p.RecordStageFinished(ctx, "indexing", "SUCCEEDED", time.Second)

	require.NoError(t, p.Shutdown(ctx))
}

func TestTrackRunFeedsSLO(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackRun(context.Background(), RunAttrs("ws", "prod", 3, "run")...)
	finish("SUCCEEDED")
	_, finish = p.TrackRun(context.Background())
	finish("FAILED")

	status, err := p.SLO().Status(OpPipelineRun)
	require.NoError(t, err)
	require.Equal(t, 2, status.ObservationCount)
	require.Equal(t, 0.5, status.CurrentSuccess)
}

func TestHTTPMiddlewareRecordsSLO(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /ok", p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	mux.Handle("GET /fail", p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})))

	for _, path := range []string{"/ok", "/fail"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	status, err := p.SLO().Status(OpAPIRequest)
	require.NoError(t, err)
	require.Equal(t, 2, status.ObservationCount)
	require.Equal(t, 0.5, status.CurrentSuccess)
}

func TestRunAttrs(t *testing.T) {
	attrs := RunAttrs("ws-1", "prod-1", 7, "run-1")
	require.Len(t, attrs, 4)
	require.Equal(t, "foundry.workspace.id", string(attrs[0].Key))
	require.Equal(t, "ws-1", attrs[0].Value.AsString())
	require.EqualValues(t, 7, attrs[2].Value.AsInt64())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "event", attribute.String("k", "v"))
	SetSpanStatus(ctx, errors.New("boom"))
	SetSpanStatus(ctx, nil)
}
