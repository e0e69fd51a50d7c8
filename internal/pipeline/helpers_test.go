package pipeline_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/cdse"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/imagecodec"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/objectstore"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
	"github.com/couchcryptid/water-monitor-etl/internal/pipeline"
	"github.com/couchcryptid/water-monitor-etl/internal/store"
)

var (
	day1 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func box(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}}
}

// testFields covers a 2x2 grid over [0,2]x[0,2]: "lake" spans it all and
// "shore" the western column, monitored from day 2.
func testFields() domain.FieldConfig {
	return domain.FieldConfig{
		LocationID:   "st_cassien",
		LocationName: "Lac de Saint-Cassien",
		BBox:         domain.BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 2, MaxLat: 2},
		Fields: []domain.Field{
			{ID: "lake", Name: "Lake", Polygon: box(0, 0, 2, 2), MonitoringStart: day1},
			{ID: "shore", Name: "Shore", Polygon: box(0.1, 0.1, 0.9, 1.9), MonitoringStart: day2},
		},
	}
}

func testOptions() pipeline.Options {
	return pipeline.Options{
		Fields:     testFields(),
		Metrics:    domain.DefaultMetricsConfig(),
		Width:      2,
		Height:     2,
		WindowDays: 5,
	}
}

// fakeSource renders a uniform NDWI image whose value depends on the date.
type fakeSource struct {
	mu         sync.Mutex
	values     map[time.Time]float64
	ndwiCalls  int
	colorCalls int
	requests   []cdse.Request
	err        error
	colorErr   error
}

func (f *fakeSource) FetchNDWI(_ context.Context, req cdse.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ndwiCalls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return imagecodec.EncodePNG(domain.FilledRaster(req.Width, req.Height, f.values[req.Date]))
}

func (f *fakeSource) FetchTrueColor(_ context.Context, _ cdse.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colorCalls++
	if f.colorErr != nil {
		return nil, f.colorErr
	}
	return []byte("rgb"), nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ndwiCalls
}

type fakePublisher struct {
	published []domain.SummaryRecord
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, s domain.SummaryRecord) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, s)
	return nil
}

func newLedger(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 10, 6, 0, 0, 0, time.UTC))
	ledger := store.New(db, clock, discardLogger())
	require.NoError(t, ledger.Migrate(context.Background()))
	return ledger
}

type harness struct {
	runner    *pipeline.Runner
	source    *fakeSource
	objects   *objectstore.FS
	ledger    *store.Store
	publisher *fakePublisher
	metrics   *observability.Metrics
}

func newHarness(t *testing.T, opts pipeline.Options) *harness {
	t.Helper()
	h := &harness{
		source:    &fakeSource{values: map[time.Time]float64{day1: 0.3, day2: 0.7, day3: -0.3}},
		objects:   objectstore.NewFS(t.TempDir()),
		ledger:    newLedger(t),
		publisher: &fakePublisher{},
		metrics:   newTestMetrics(),
	}
	h.runner = pipeline.New(opts, h.source, h.objects, h.ledger, h.publisher, discardLogger(), h.metrics)
	return h
}

func (h *harness) get(t *testing.T, key string) []byte {
	t.Helper()
	data, err := h.objects.Get(context.Background(), key)
	require.NoError(t, err, key)
	return data
}

var errBoom = errors.New("boom")
