package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/water-monitor-etl/internal/config"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// Writer publishes daily location summaries to a Kafka topic.
// It implements pipeline.SummaryPublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured summary topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaSummaryTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish writes one summary. Messages for the same location hash to the
// same partition, so consumers see a location's days in order.
func (w *Writer) Publish(ctx context.Context, s domain.SummaryRecord) error {
	msg, err := serializeToMessage(s)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish summary %s: %w", msg.Key, err)
	}
	w.logger.Debug("summary published", "location_id", s.LocationID, "date", domain.FormatDate(s.Date))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// summaryMessage is the wire form of a SummaryRecord. Dates are calendar
// dates rather than instants.
type summaryMessage struct {
	Date             string   `json:"date"`
	LocationID       string   `json:"location_id"`
	LocationName     string   `json:"location_name"`
	TotalFields      int      `json:"total_fields"`
	AvgMeanNDWI      *float64 `json:"avg_mean_ndwi"`
	AvgDeltaMeanNDWI *float64 `json:"avg_delta_mean_ndwi"`
}

// serializeToMessage marshals a SummaryRecord into a Kafka message keyed by
// location and date.
func serializeToMessage(s domain.SummaryRecord) (kafkago.Message, error) {
	date := domain.FormatDate(s.Date)
	data, err := json.Marshal(summaryMessage{
		Date:             date,
		LocationID:       s.LocationID,
		LocationName:     s.LocationName,
		TotalFields:      s.TotalFields,
		AvgMeanNDWI:      s.AvgMeanNDWI,
		AvgDeltaMeanNDWI: s.AvgDeltaMeanNDWI,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize summary: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(s.LocationID + "|" + date),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "location_id", Value: []byte(s.LocationID)},
			{Key: "date", Value: []byte(date)},
		},
	}, nil
}
