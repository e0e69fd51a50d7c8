package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// Field is one monitored polygon inside a location.
type Field struct {
	ID              string
	Name            string
	Polygon         orb.Polygon
	MonitoringStart time.Time
}

// ActiveOn reports whether the field is monitored on date. Fields are active
// from their monitoring start date onwards, inclusive.
func (f Field) ActiveOn(date time.Time) bool {
	return !Day(date).Before(Day(f.MonitoringStart))
}

// FieldConfig is the immutable set of fields evaluated against one bbox.
// Load it once at startup and pass it to every call site.
type FieldConfig struct {
	LocationID   string
	LocationName string
	BBox         BoundingBox
	Fields       []Field
}

// ActiveFields returns the fields monitored on date, in config order.
func (c FieldConfig) ActiveFields(date time.Time) []Field {
	var out []Field
	for _, f := range c.Fields {
		if f.ActiveOn(date) {
			out = append(out, f)
		}
	}
	return out
}

// FieldsOutsideBBox returns the ids of fields whose bounds do not intersect
// the location bbox. Such fields never produce a metrics record.
func (c FieldConfig) FieldsOutsideBBox() []string {
	box := c.BBox.Bound()
	var out []string
	for _, f := range c.Fields {
		if !f.Polygon.Bound().Intersects(box) {
			out = append(out, f.ID)
		}
	}
	return out
}
