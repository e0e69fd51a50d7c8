package cdse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
)

const (
	testToken         = "test-token"
	headerContentType = "Content-Type"
)

var testRequest = Request{
	BBox:       domain.BoundingBox{MinLon: 6.78, MinLat: 43.55, MaxLon: 6.82, MaxLat: 43.59},
	Date:       time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
	WindowDays: 3,
	Width:      64,
	Height:     32,
}

// fakeCDSE serves the token endpoint and delegates process calls to handler.
func fakeCDSE(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "id", r.Form.Get("client_id"))
		assert.Equal(t, "secret", r.Form.Get("client_secret"))
		w.Header().Set(headerContentType, "application/json")
		_, _ = io.WriteString(w, `{"access_token":"`+testToken+`","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("POST /process", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, baseURL string) (*Client, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	c, err := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     baseURL + "/token",
		ProcessURL:   baseURL + "/process",
		Timeout:      5 * time.Second,
	}, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	c.initialInterval = time.Millisecond
	return c, metrics
}

func TestClient_FetchNDWI_Success(t *testing.T) {
	srv := fakeCDSE(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, "image/png", r.Header.Get("Accept"))

		var body processBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, crsCRS84, body.Input.Bounds.Properties.CRS)
		assert.Equal(t, []float64{6.78, 43.55, 6.82, 43.59}, body.Input.Bounds.BBox)
		require.Len(t, body.Input.Data, 1)
		assert.Equal(t, "sentinel-2-l2a", body.Input.Data[0].Type)
		assert.Equal(t, timeRange{From: "2024-04-07T00:00:00Z", To: "2024-04-13T23:59:59Z"}, body.Input.Data[0].DataFilter.TimeRange)
		assert.Equal(t, 64, body.Output.Width)
		assert.Equal(t, 32, body.Output.Height)
		require.Len(t, body.Output.Responses, 1)
		assert.Equal(t, "default", body.Output.Responses[0].Identifier)
		assert.Equal(t, "image/png", body.Output.Responses[0].Format.Type)
		assert.Contains(t, body.Evalscript, "(s.B03 - s.B08) / (s.B03 + s.B08 + 1e-6)")

		w.Header().Set(headerContentType, "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	})

	c, metrics := testClient(t, srv.URL)
	data, err := c.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.ImageryRequests.WithLabelValues("ndwi", "success")), 1e-9)
}

func TestClient_FetchTrueColor_UsesRGBScript(t *testing.T) {
	srv := fakeCDSE(t, func(w http.ResponseWriter, r *http.Request) {
		var body processBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.Evalscript, "2.5 * s.B04")
		_, _ = w.Write([]byte("rgb"))
	})

	c, _ := testClient(t, srv.URL)
	data, err := c.FetchTrueColor(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "rgb", string(data))
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := fakeCDSE(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	c, metrics := testClient(t, srv.URL)
	data, err := c.FetchNDWI(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), calls.Load())
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.ImageryRequests.WithLabelValues("ndwi", "retry")), 1e-9)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := fakeCDSE(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c, metrics := testClient(t, srv.URL)
	_, err := c.FetchNDWI(context.Background(), testRequest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Equal(t, int32(maxRetries+1), calls.Load())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.ImageryRequests.WithLabelValues("ndwi", "error")), 1e-9)
}

func TestClient_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := fakeCDSE(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bbox too large"}`)
	})

	c, _ := testClient(t, srv.URL)
	_, err := c.FetchNDWI(context.Background(), testRequest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bbox too large")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_AuthFailureNotRetried(t *testing.T) {
	var processCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
	})
	mux.HandleFunc("POST /process", func(_ http.ResponseWriter, _ *http.Request) {
		processCalls.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	_, err := c.FetchNDWI(context.Background(), testRequest)
	require.Error(t, err)
	assert.Zero(t, processCalls.Load())
}

func TestClient_InvalidRequest(t *testing.T) {
	c, _ := testClient(t, "http://127.0.0.1:0")

	bad := testRequest
	bad.Width = 0
	_, err := c.FetchNDWI(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrConfig)

	bad = testRequest
	bad.BBox.MaxLon = bad.BBox.MinLon
	_, err = c.FetchNDWI(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrConfig)
}

func TestNewClient_MissingCredentials(t *testing.T) {
	_, err := NewClient(Config{ClientID: "id"}, observability.NewMetricsForTesting(), slog.Default())
	require.ErrorIs(t, err, domain.ErrConfig)
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := fakeCDSE(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c, _ := testClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchNDWI(ctx, testRequest)
	require.Error(t, err)
}
