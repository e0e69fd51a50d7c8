// Package csvtable encodes and decodes the daily metrics, delta and summary
// tables as CSV with a fixed header.
package csvtable

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// ContentType is the MIME type stored alongside encoded tables.
const ContentType = "text/csv"

var (
	metricsHeader = []string{"date", "field_id", "field_name", "mean_ndwi", "water_fraction_pos", "water_fraction_strong"}
	deltaHeader   = []string{"field_id", "field_name", "delta_mean_ndwi", "delta_water_fraction_pos", "delta_water_fraction_strong"}
	summaryHeader = []string{"date", "location_id", "location_name", "total_fields", "avg_mean_ndwi", "avg_delta_mean_ndwi"}
)

// EncodeMetrics renders metrics records. The header is written even when
// records is empty.
func EncodeMetrics(records []domain.FieldMetricRecord) ([]byte, error) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			domain.FormatDate(r.Date),
			r.FieldID,
			r.FieldName,
			formatFloat(r.MeanNDWI),
			formatFloat(r.WaterFractionPos),
			formatFloat(r.WaterFractionStrong),
		})
	}
	return encode(metricsHeader, rows)
}

// DecodeMetrics parses a metrics table. Columns are matched by header name.
func DecodeMetrics(data []byte) ([]domain.FieldMetricRecord, error) {
	t, err := decode(data, metricsHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FieldMetricRecord, 0, len(t.rows))
	for i := range t.rows {
		var r domain.FieldMetricRecord
		p := t.parser(i)
		r.Date = p.date("date")
		r.FieldID = p.str("field_id")
		r.FieldName = p.str("field_name")
		r.MeanNDWI = p.float("mean_ndwi")
		r.WaterFractionPos = p.float("water_fraction_pos")
		r.WaterFractionStrong = p.float("water_fraction_strong")
		if p.err != nil {
			return nil, p.err
		}
		out = append(out, r)
	}
	return out, nil
}

// EncodeDeltas renders delta records.
func EncodeDeltas(records []domain.DeltaRecord) ([]byte, error) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.FieldID,
			r.FieldName,
			formatFloat(r.DeltaMeanNDWI),
			formatFloat(r.DeltaWaterFractionPos),
			formatFloat(r.DeltaWaterFractionStrong),
		})
	}
	return encode(deltaHeader, rows)
}

// DecodeDeltas parses a delta table.
func DecodeDeltas(data []byte) ([]domain.DeltaRecord, error) {
	t, err := decode(data, deltaHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeltaRecord, 0, len(t.rows))
	for i := range t.rows {
		var r domain.DeltaRecord
		p := t.parser(i)
		r.FieldID = p.str("field_id")
		r.FieldName = p.str("field_name")
		r.DeltaMeanNDWI = p.float("delta_mean_ndwi")
		r.DeltaWaterFractionPos = p.float("delta_water_fraction_pos")
		r.DeltaWaterFractionStrong = p.float("delta_water_fraction_strong")
		if p.err != nil {
			return nil, p.err
		}
		out = append(out, r)
	}
	return out, nil
}

// EncodeSummary renders a single-row summary table. Nil averages become
// empty cells.
func EncodeSummary(s domain.SummaryRecord) ([]byte, error) {
	row := []string{
		domain.FormatDate(s.Date),
		s.LocationID,
		s.LocationName,
		strconv.Itoa(s.TotalFields),
		formatOptional(s.AvgMeanNDWI),
		formatOptional(s.AvgDeltaMeanNDWI),
	}
	return encode(summaryHeader, [][]string{row})
}

// DecodeSummaries parses a summary table. Empty average cells read back as nil.
func DecodeSummaries(data []byte) ([]domain.SummaryRecord, error) {
	t, err := decode(data, summaryHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SummaryRecord, 0, len(t.rows))
	for i := range t.rows {
		var s domain.SummaryRecord
		p := t.parser(i)
		s.Date = p.date("date")
		s.LocationID = p.str("location_id")
		s.LocationName = p.str("location_name")
		s.TotalFields = p.int("total_fields")
		s.AvgMeanNDWI = p.optional("avg_mean_ndwi")
		s.AvgDeltaMeanNDWI = p.optional("avg_delta_mean_ndwi")
		if p.err != nil {
			return nil, p.err
		}
		out = append(out, s)
	}
	return out, nil
}

func encode(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	return buf.Bytes(), nil
}

type table struct {
	cols map[string]int
	rows [][]string
}

func decode(data []byte, required []string) (table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return table{}, nil
	}
	if err != nil {
		return table{}, fmt.Errorf("%w: read header: %v", domain.ErrSchema, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return table{}, fmt.Errorf("%w: missing columns %s", domain.ErrSchema, strings.Join(missing, ", "))
	}

	rows, err := r.ReadAll()
	if err != nil {
		return table{}, fmt.Errorf("%w: read rows: %v", domain.ErrSchema, err)
	}
	return table{cols: cols, rows: rows}, nil
}

func (t table) parser(i int) *rowParser {
	return &rowParser{cols: t.cols, row: t.rows[i], line: i + 2}
}

// rowParser reads typed cells from one row and keeps the first error.
type rowParser struct {
	cols map[string]int
	row  []string
	line int
	err  error
}

func (p *rowParser) str(col string) string {
	i := p.cols[col]
	if i >= len(p.row) {
		p.fail(col, "missing cell")
		return ""
	}
	return p.row[i]
}

func (p *rowParser) float(col string) float64 {
	s := strings.TrimSpace(p.str(col))
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, fmt.Sprintf("invalid number %q", s))
	}
	return v
}

func (p *rowParser) optional(col string) *float64 {
	s := strings.TrimSpace(p.str(col))
	if p.err != nil || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, fmt.Sprintf("invalid number %q", s))
		return nil
	}
	return &v
}

func (p *rowParser) int(col string) int {
	s := strings.TrimSpace(p.str(col))
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(col, fmt.Sprintf("invalid integer %q", s))
	}
	return v
}

func (p *rowParser) date(col string) time.Time {
	s := strings.TrimSpace(p.str(col))
	if p.err != nil {
		return time.Time{}
	}
	t, err := domain.ParseDate(s)
	if err != nil {
		p.fail(col, fmt.Sprintf("invalid date %q", s))
	}
	return t
}

func (p *rowParser) fail(col, msg string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: line %d column %s: %s", domain.ErrSchema, p.line, col, msg)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
