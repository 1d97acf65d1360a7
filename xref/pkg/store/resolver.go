package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeTplnr collapses whitespace runs to single spaces and trims the
// result. The source system allows inconsistent whitespace in tplnr codes,
// so the same normalization is applied to both sides of every comparison.
func NormalizeTplnr(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// normalizedTplnrExpr is the SQL-side equivalent of NormalizeTplnr.
const normalizedTplnrExpr = `regexp_replace(trim(tplnr), '\\s+', ' ')`

// ResolveTplnrs translates natural tplnr keys to ent_hid surrogate keys with
// one lookup query against the base entity table. Keys with no match are
// absent from the returned map; only a failed lookup query is an error.
func (s *Store) ResolveTplnrs(ctx context.Context, keys []string) (map[string]int64, error) {
	seen := make(map[string]bool, len(keys))
	normalized := make([]string, 0, len(keys))
	for _, k := range keys {
		n := NormalizeTplnr(k)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		normalized = append(normalized, n)
	}
	if len(normalized) == 0 {
		return map[string]int64{}, nil
	}
	if s.cfg.BaseTable == "" {
		return nil, &KeyResolutionError{Err: errors.New("no base table configured")}
	}
	sort.Strings(normalized)

	quoted := make([]string, len(normalized))
	for i, n := range normalized {
		quoted[i] = quoteLiteral(n)
	}
	stmt := fmt.Sprintf("SELECT %s AS tplnr, ent_hid FROM %s WHERE %s IN (%s)",
		normalizedTplnrExpr, s.cfg.BaseTable, normalizedTplnrExpr, strings.Join(quoted, ", "))

	rs, err := s.exec(ctx, stmt, nil)
	if err != nil {
		return nil, &KeyResolutionError{Err: err}
	}

	resolved := make(map[string]int64, len(rs.Rows))
	for _, row := range rs.Rows {
		if len(row) < 2 {
			continue
		}
		key := NormalizeTplnr(asString(row[0]))
		hid, err := asInt(row[1])
		if err != nil {
			return nil, &KeyResolutionError{Err: fmt.Errorf("bad ent_hid for %q: %w", key, err)}
		}
		resolved[key] = hid
	}
	return resolved, nil
}
