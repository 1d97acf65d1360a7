package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/strataops/xref/xref/pkg/warehouse"
)

// MockExecutor implements warehouse.Executor against an in-memory table by
// interpreting the store's fixed statement shapes. It exists so the store and
// import pipeline can be tested without a reachable warehouse.
type MockExecutor struct {
	mu sync.Mutex

	// Table and BaseTable mirror the store configuration.
	Table     string
	BaseTable string

	// Records is the in-memory xref table.
	Records []Record

	// Entities maps normalized tplnr codes to ent_hid surrogate keys,
	// standing in for the base entity table.
	Entities map[string]int64

	// FailNext, when set, fails the next Execute call with the given error
	// and then clears itself.
	FailNext error

	// FailOn fails any Execute whose statement contains the substring,
	// returning FailOnErr.
	FailOn    string
	FailOnErr error

	// Statements records every executed statement in order.
	Statements []string
}

var (
	insertRe   = regexp.MustCompile(`(?s)^INSERT INTO \S+ \(([^)]*)\) VALUES (.*)$`)
	setRe      = regexp.MustCompile(`(\w+) = :set_(\w+)`)
	distinctRe = regexp.MustCompile(`^SELECT DISTINCT (\w+)`)
	orderRe    = regexp.MustCompile(`ORDER BY (\w+) (ASC|DESC)`)
	limitRe    = regexp.MustCompile(`LIMIT (\d+)`)
	inListRe   = regexp.MustCompile(`IN \((.*)\)\s*$`)
	literalRe  = regexp.MustCompile(`'((?:[^']|'')*)'`)
)

func (m *MockExecutor) Execute(_ context.Context, stmt string, params []warehouse.Parameter) (*warehouse.ResultSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Statements = append(m.Statements, stmt)
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return nil, err
	}
	if m.FailOn != "" && strings.Contains(stmt, m.FailOn) {
		return nil, m.FailOnErr
	}

	values := make(map[string]string, len(params))
	for _, p := range params {
		values[p.Name] = p.Value
	}

	stmt = strings.TrimSpace(stmt)
	switch {
	case stmt == "SELECT 1":
		return &warehouse.ResultSet{
			Columns:  []warehouse.Column{{Name: "1", TypeName: "INT"}},
			Rows:     [][]any{{"1"}},
			RowCount: 1,
		}, nil

	case strings.HasPrefix(stmt, "INSERT INTO"):
		return m.execInsert(stmt, values)

	case strings.HasPrefix(stmt, "UPDATE"):
		return m.execUpdate(stmt, values)

	case strings.HasPrefix(stmt, "SELECT DISTINCT"):
		return m.execDistinct(stmt)

	case m.BaseTable != "" && strings.Contains(stmt, "FROM "+m.BaseTable+" "):
		return m.execLookup(stmt)

	case strings.Contains(stmt, "WHERE id = :id"):
		return m.execGet(values["id"])

	default:
		return m.execWindow(stmt, values)
	}
}

func (m *MockExecutor) execInsert(stmt string, values map[string]string) (*warehouse.ResultSet, error) {
	match := insertRe.FindStringSubmatch(stmt)
	if match == nil {
		return nil, fmt.Errorf("mock: unrecognized insert: %s", stmt)
	}
	names := splitColumns(match[1])
	cols := columnsFor(names)

	// A single-row insert binds named parameters; the bulk commit inlines
	// literal tuples and carries none.
	if len(values) > 0 {
		row := make([]any, len(names))
		for i, name := range names {
			row[i] = values[name]
		}
		rec, err := mapRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("mock: bad insert row: %w", err)
		}
		m.Records = append(m.Records, rec)
		return &warehouse.ResultSet{}, nil
	}

	tuples, err := parseTuples(match[2])
	if err != nil {
		return nil, fmt.Errorf("mock: bad insert values: %w", err)
	}
	for _, tuple := range tuples {
		if len(tuple) != len(names) {
			return nil, fmt.Errorf("mock: tuple has %d values for %d columns", len(tuple), len(names))
		}
		rec, err := mapRow(tuple, cols)
		if err != nil {
			return nil, fmt.Errorf("mock: bad insert row: %w", err)
		}
		m.Records = append(m.Records, rec)
	}
	return &warehouse.ResultSet{}, nil
}

func (m *MockExecutor) execUpdate(stmt string, values map[string]string) (*warehouse.ResultSet, error) {
	id := values["id"]
	for i := range m.Records {
		if m.Records[i].ID != id || m.Records[i].IsDeleted {
			continue
		}
		for _, match := range setRe.FindAllStringSubmatch(stmt, -1) {
			col := match[1]
			if err := setField(&m.Records[i], col, values["set_"+col]); err != nil {
				return nil, fmt.Errorf("mock: bad update value for %s: %w", col, err)
			}
		}
		break
	}
	return &warehouse.ResultSet{}, nil
}

func (m *MockExecutor) execDistinct(stmt string) (*warehouse.ResultSet, error) {
	match := distinctRe.FindStringSubmatch(stmt)
	if match == nil {
		return nil, fmt.Errorf("mock: unrecognized distinct query: %s", stmt)
	}
	col := match[1]
	seen := make(map[string]bool)
	for _, rec := range m.Records {
		if rec.IsDeleted {
			continue
		}
		seen[sortValue(rec, col)] = true
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	rows := make([][]any, len(out))
	for i, v := range out {
		rows[i] = []any{v}
	}
	return &warehouse.ResultSet{
		Columns:  []warehouse.Column{{Name: col, TypeName: "STRING"}},
		Rows:     rows,
		RowCount: int64(len(rows)),
	}, nil
}

func (m *MockExecutor) execLookup(stmt string) (*warehouse.ResultSet, error) {
	match := inListRe.FindStringSubmatch(stmt)
	if match == nil {
		return nil, fmt.Errorf("mock: unrecognized lookup query: %s", stmt)
	}
	var rows [][]any
	for _, lit := range literalRe.FindAllStringSubmatch(match[1], -1) {
		key := unescapeLiteral(lit[1])
		if hid, ok := m.Entities[key]; ok {
			rows = append(rows, []any{key, strconv.FormatInt(hid, 10)})
		}
	}
	return &warehouse.ResultSet{
		Columns: []warehouse.Column{
			{Name: "tplnr", TypeName: "STRING"},
			{Name: "ent_hid", TypeName: "BIGINT"},
		},
		Rows:     rows,
		RowCount: int64(len(rows)),
	}, nil
}

func (m *MockExecutor) execGet(id string) (*warehouse.ResultSet, error) {
	rs := &warehouse.ResultSet{Columns: columnsFor(recordColumns)}
	for _, rec := range m.Records {
		if rec.ID == id && !rec.IsDeleted {
			rs.Rows = append(rs.Rows, recordValues(rec))
			break
		}
	}
	rs.RowCount = int64(len(rs.Rows))
	return rs, nil
}

func (m *MockExecutor) execWindow(stmt string, values map[string]string) (*warehouse.ResultSet, error) {
	orderMatch := orderRe.FindStringSubmatch(stmt)
	limitMatch := limitRe.FindStringSubmatch(stmt)
	if orderMatch == nil || limitMatch == nil {
		return nil, fmt.Errorf("mock: unrecognized statement: %s", stmt)
	}
	sortBy := orderMatch[1]
	desc := orderMatch[2] == "DESC"
	limit, _ := strconv.Atoi(limitMatch[1])

	live := make([]Record, 0, len(m.Records))
	for _, rec := range m.Records {
		if rec.IsActive && !rec.IsDeleted {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		av, bv := sortValue(a, sortBy), sortValue(b, sortBy)
		if av != bv {
			if desc {
				return av > bv
			}
			return av < bv
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	afterSort, hasCursor := values["after_sort"]
	afterID := values["after_id"]

	rs := &warehouse.ResultSet{Columns: columnsFor(recordColumns)}
	for _, rec := range live {
		if hasCursor && !pastCursor(sortValue(rec, sortBy), rec.ID, afterSort, afterID, desc) {
			continue
		}
		rs.Rows = append(rs.Rows, recordValues(rec))
		if len(rs.Rows) >= limit {
			break
		}
	}
	rs.RowCount = int64(len(rs.Rows))
	return rs, nil
}

func pastCursor(sortVal, id, afterSort, afterID string, desc bool) bool {
	if sortVal != afterSort {
		if desc {
			return sortVal < afterSort
		}
		return sortVal > afterSort
	}
	if desc {
		return id < afterID
	}
	return id > afterID
}

// unescapeLiteral reverses quoteLiteral's escaping.
func unescapeLiteral(s string) string {
	s = strings.ReplaceAll(s, "''", "'")
	return strings.ReplaceAll(s, `\\`, `\`)
}

func splitColumns(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func columnsFor(names []string) []warehouse.Column {
	cols := make([]warehouse.Column, len(names))
	for i, n := range names {
		cols[i] = warehouse.Column{Name: n, TypeName: "STRING"}
	}
	return cols
}

// parseTuples scans a multi-row VALUES clause into one value slice per tuple.
// Quoted strings use doubled-quote escaping; the bare tokens NULL, numbers,
// and booleans pass through for mapRow to coerce.
func parseTuples(s string) ([][]any, error) {
	var tuples [][]any
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] != '(' {
			i++
		}
		if i >= len(s) {
			break
		}
		i++ // consume '('

		var tuple []any
		var token strings.Builder
		inQuote := false
		quoted := false
		flush := func() {
			t := strings.TrimSpace(token.String())
			token.Reset()
			if quoted {
				// Quote pairs are already collapsed during the scan.
				tuple = append(tuple, strings.ReplaceAll(t, `\\`, `\`))
			} else if strings.EqualFold(t, "NULL") {
				tuple = append(tuple, nil)
			} else {
				tuple = append(tuple, t)
			}
			quoted = false
		}

	tupleLoop:
		for i < len(s) {
			c := s[i]
			switch {
			case inQuote:
				if c == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						token.WriteString("'")
						i++
					} else {
						inQuote = false
					}
				} else {
					token.WriteByte(c)
				}
			case c == '\'':
				inQuote = true
				quoted = true
			case c == ',':
				flush()
			case c == ')':
				flush()
				i++
				break tupleLoop
			default:
				token.WriteByte(c)
			}
			i++
		}
		if inQuote {
			return nil, fmt.Errorf("unterminated string literal")
		}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}
