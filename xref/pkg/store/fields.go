package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Fields is a caller-supplied field set for create and update operations.
// Keys are column names; tplnr is accepted in place of ent_hid and resolved
// before the write.
type Fields map[string]any

// updatableColumns are the fields a caller may set directly. Identity and
// lifecycle stamps are owned by the store.
var updatableColumns = map[string]bool{
	"scada_tag":         true,
	"pi_tag":            true,
	"product_type":      true,
	"tag_type":          true,
	"aggregation_type":  true,
	"conversion_factor": true,
	"tplnr":             true,
	"ent_hid":           true,
	"test_site":         true,
	"api10":             true,
	"uom":               true,
	"meter_id":          true,
	"entname":           true,
	"asset_team":        true,
	"is_active":         true,
}

// requiredFields must be non-empty on create, and on update whenever present.
var requiredFields = []string{
	"scada_tag",
	"pi_tag",
	"product_type",
	"tag_type",
	"aggregation_type",
	"tplnr",
}

func (f Fields) str(key string) string {
	return strings.TrimSpace(asString(f[key]))
}

func (f Fields) validate(create bool) error {
	for k := range f {
		if !updatableColumns[k] {
			return &ValidationError{Field: k, Message: "unknown field"}
		}
	}

	for _, field := range requiredFields {
		_, present := f[field]
		if create && !present {
			return &ValidationError{Field: field, Message: "required"}
		}
		if present && f.str(field) == "" {
			return &ValidationError{Field: field, Message: "must not be empty"}
		}
	}

	// Malformed numbers are rejected rather than silently defaulted to zero.
	if v, ok := f["conversion_factor"]; ok {
		if s := strings.TrimSpace(asString(v)); s != "" {
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				return &ValidationError{Field: "conversion_factor", Message: fmt.Sprintf("not a number: %q", s)}
			}
		}
	}
	return nil
}

// recordFromFields builds a record from the caller-settable columns only.
// Identity, ent_hid, and lifecycle stamps are filled in by the caller.
func recordFromFields(f Fields) Record {
	var rec Record
	rec.ScadaTag = f.str("scada_tag")
	rec.PITag = f.str("pi_tag")
	rec.ProductType = f.str("product_type")
	rec.TagType = f.str("tag_type")
	rec.AggregationType = f.str("aggregation_type")
	rec.TestSite = f.str("test_site")
	rec.API10 = f.str("api10")
	rec.UOM = f.str("uom")
	rec.MeterID = f.str("meter_id")
	rec.EntName = f.str("entname")
	rec.AssetTeam = f.str("asset_team")
	if s := f.str("conversion_factor"); s != "" {
		rec.ConversionFactor, _ = strconv.ParseFloat(s, 64)
	}
	if v, ok := f["is_active"]; ok {
		rec.IsActive = asBool(v)
	}
	return rec
}
