//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/imagecodec"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/kafka"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/objectstore"
	"github.com/couchcryptid/water-monitor-etl/internal/config"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
	"github.com/couchcryptid/water-monitor-etl/internal/pipeline"
	"github.com/couchcryptid/water-monitor-etl/internal/store"
)

const testSummaryTopic = "test-summaries"

type summaryMessage struct {
	Key     string
	Headers map[string]string
	Body    map[string]any
}

func readSummary(ctx context.Context, t *testing.T, consumer *kafkago.Reader) summaryMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from summary topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body), "unmarshal summary message")
	return summaryMessage{Key: string(msg.Key), Headers: headers, Body: body}
}

// TestPipelinePublishesSummaries runs two partitions from stored rasters
// and reads both summaries back from Kafka in date order.
func TestPipelinePublishesSummaries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSummaryTopic)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaSummaryTopic: testSummaryTopic}
	writer := kafka.NewWriter(cfg, discardLogger())
	defer writer.Close()

	day1 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	objects := objectstore.NewFS(t.TempDir())
	keys := objectstore.Keys{LocationID: "st_cassien"}
	for day, v := range map[time.Time]float64{day1: 0.3, day2: 0.7} {
		png, err := imagecodec.EncodePNG(domain.FilledRaster(4, 4, v))
		require.NoError(t, err)
		require.NoError(t, objects.Put(ctx, keys.RawNDWI(day), png, imagecodec.PNGContentType))
	}

	ledger, err := store.Open(ctx, filepath.Join(t.TempDir(), "ledger.db"), discardLogger())
	require.NoError(t, err)
	defer ledger.Close()

	fields := domain.FieldConfig{
		LocationID:   "st_cassien",
		LocationName: "Lac de Saint-Cassien",
		BBox:         domain.BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 4, MaxLat: 4},
		Fields: []domain.Field{{
			ID:              "lake",
			Name:            "Lake",
			Polygon:         orb.Polygon{{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}},
			MonitoringStart: day1,
		}},
	}
	runner := pipeline.New(pipeline.Options{
		Fields:  fields,
		Metrics: domain.DefaultMetricsConfig(),
		Width:   4,
		Height:  4,
	}, nil, objects, ledger, writer, discardLogger(), observability.NewMetricsForTesting())

	results, err := runner.RunRange(ctx, day1, day2, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSummaryTopic,
		StartOffset: kafkago.FirstOffset,
	})
	defer consumer.Close()

	first := readSummary(ctx, t, consumer)
	assert.Equal(t, "st_cassien|2024-04-01", first.Key)
	assert.Equal(t, "st_cassien", first.Headers["location_id"])
	assert.Equal(t, "2024-04-01", first.Headers["date"])
	assert.Equal(t, "2024-04-01", first.Body["date"])
	assert.InDelta(t, 1.0, first.Body["total_fields"], 1e-9)
	assert.InDelta(t, 0.3, first.Body["avg_mean_ndwi"], 0.01)
	assert.Nil(t, first.Body["avg_delta_mean_ndwi"])

	second := readSummary(ctx, t, consumer)
	assert.Equal(t, "2024-04-02", second.Headers["date"])
	assert.InDelta(t, 0.4, second.Body["avg_delta_mean_ndwi"], 1e-9)

	runs, err := ledger.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, store.StatusSuccess, run.Status)
	}
}
