package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/strataops/xref/xref/pkg/warehouse"
)

// Record is one reference-data row mapping a SCADA tag to a PI tag.
type Record struct {
	ID               string     `json:"id"`
	ScadaTag         string     `json:"scada_tag"`
	PITag            string     `json:"pi_tag"`
	ProductType      string     `json:"product_type"`
	TagType          string     `json:"tag_type"`
	AggregationType  string     `json:"aggregation_type"`
	ConversionFactor float64    `json:"conversion_factor"`
	EntHID           int64      `json:"ent_hid"`
	TestSite         string     `json:"test_site"`
	API10            string     `json:"api10"`
	UOM              string     `json:"uom"`
	MeterID          string     `json:"meter_id"`
	EntName          string     `json:"entname"`
	AssetTeam        string     `json:"asset_team"`
	IsActive         bool       `json:"is_active"`
	IsDeleted        bool       `json:"is_deleted"`
	CreateUser       string     `json:"create_user"`
	CreateDate       *time.Time `json:"create_date"`
	ChangeUser       string     `json:"change_user"`
	ChangeDate       *time.Time `json:"change_date"`
}

// recordColumns is the fixed column list used by every read and write. Order
// matters: bulk inserts and the mock executor both rely on it.
var recordColumns = []string{
	"id",
	"scada_tag",
	"pi_tag",
	"product_type",
	"tag_type",
	"aggregation_type",
	"conversion_factor",
	"ent_hid",
	"test_site",
	"api10",
	"uom",
	"meter_id",
	"entname",
	"asset_team",
	"is_active",
	"is_deleted",
	"create_user",
	"create_date",
	"change_user",
	"change_date",
}

const timestampLayout = "2006-01-02 15:04:05"

var timestampLayouts = []string{
	timestampLayout,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// mapRow converts one positional row into a Record using the result's column
// descriptors. A column the record does not know is ignored; a descriptor
// count shorter than the row is a programming error in the query shape.
func mapRow(values []any, columns []warehouse.Column) (Record, error) {
	if len(values) > len(columns) {
		return Record{}, fmt.Errorf("row has %d values but only %d column descriptors", len(values), len(columns))
	}

	var rec Record
	for i, v := range values {
		if err := setField(&rec, columns[i].Name, v); err != nil {
			return Record{}, fmt.Errorf("column %s: %w", columns[i].Name, err)
		}
	}
	return rec, nil
}

func setField(rec *Record, column string, v any) error {
	switch strings.ToLower(column) {
	case "id":
		rec.ID = asString(v)
	case "scada_tag":
		rec.ScadaTag = asString(v)
	case "pi_tag":
		rec.PITag = asString(v)
	case "product_type":
		rec.ProductType = asString(v)
	case "tag_type":
		rec.TagType = asString(v)
	case "aggregation_type":
		rec.AggregationType = asString(v)
	case "conversion_factor":
		f, err := asFloat(v)
		if err != nil {
			return err
		}
		rec.ConversionFactor = f
	case "ent_hid":
		n, err := asInt(v)
		if err != nil {
			return err
		}
		rec.EntHID = n
	case "test_site":
		rec.TestSite = asString(v)
	case "api10":
		rec.API10 = asString(v)
	case "uom":
		rec.UOM = asString(v)
	case "meter_id":
		rec.MeterID = asString(v)
	case "entname":
		rec.EntName = asString(v)
	case "asset_team":
		rec.AssetTeam = asString(v)
	case "is_active":
		rec.IsActive = asBool(v)
	case "is_deleted":
		rec.IsDeleted = asBool(v)
	case "create_user":
		rec.CreateUser = asString(v)
	case "create_date":
		t, err := asTime(v)
		if err != nil {
			return err
		}
		rec.CreateDate = t
	case "change_user":
		rec.ChangeUser = asString(v)
	case "change_date":
		t, err := asTime(v)
		if err != nil {
			return err
		}
		rec.ChangeDate = t
	}
	return nil
}

// recordValues returns the record's values in recordColumns order. Used by
// the bulk insert builder and the mock executor.
func recordValues(rec Record) []any {
	return []any{
		rec.ID,
		rec.ScadaTag,
		rec.PITag,
		rec.ProductType,
		rec.TagType,
		rec.AggregationType,
		strconv.FormatFloat(rec.ConversionFactor, 'f', -1, 64),
		strconv.FormatInt(rec.EntHID, 10),
		rec.TestSite,
		rec.API10,
		rec.UOM,
		rec.MeterID,
		rec.EntName,
		rec.AssetTeam,
		strconv.FormatBool(rec.IsActive),
		strconv.FormatBool(rec.IsDeleted),
		rec.CreateUser,
		formatTimestamp(rec.CreateDate),
		rec.ChangeUser,
		formatTimestamp(rec.ChangeDate),
	}
}

func formatTimestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timestampLayout)
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asFloat(v any) (float64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return val, nil
	case string:
		if val == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected numeric value %T", v)
	}
}

func asInt(v any) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(val), nil
	case string:
		if val == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected integer value %T", v)
	}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true") || val == "1"
	case float64:
		return val != 0
	default:
		return false
	}
}

// asTime coerces the warehouse's string timestamp representation. A missing
// value stays nil rather than defaulting to the current time, so records
// without a stamp are distinguishable from freshly created ones.
func asTime(v any) (*time.Time, error) {
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	// Epoch milliseconds show up on some result formats.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("unparseable timestamp: %q", s)
}
