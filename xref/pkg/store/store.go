package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/strataops/xref/xref/pkg/warehouse"
)

const defaultWindowSize = 20000

// Config holds the store configuration. The executor is injected so tests
// can substitute a fake transport.
type Config struct {
	Logger   *slog.Logger
	Executor warehouse.Executor

	// Table is the xref table holding the reference-data rows.
	Table string

	// BaseTable is the entity base table used to resolve tplnr codes to
	// ent_hid surrogate keys. May be fully qualified. Optional; when unset,
	// operations that resolve tplnrs fail.
	BaseTable string

	// WindowSize bounds each fetch window so a single response stays under
	// the relay's payload-size ceiling.
	WindowSize int

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the data-access layer for xref records. All reads exclude
// soft-deleted rows; listing additionally excludes inactive rows.
type Store struct {
	log     *slog.Logger
	cfg     Config
	healthy atomic.Bool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		log: cfg.Logger,
		cfg: cfg,
	}
	s.healthy.Store(true)
	return s, nil
}

// sortableColumns are the columns List accepts for ordering. All are
// non-nullable text columns so the seek cursor stays total-ordered.
var sortableColumns = map[string]bool{
	"scada_tag":        true,
	"pi_tag":           true,
	"product_type":     true,
	"tag_type":         true,
	"aggregation_type": true,
	"entname":          true,
	"asset_team":       true,
	"uom":              true,
	"meter_id":         true,
	"api10":            true,
	"test_site":        true,
}

// ListOptions controls filtering and ordering for List.
type ListOptions struct {
	// Where is an optional extra predicate ANDed onto the fixed filters.
	// Values must be bound through Params.
	Where  string
	Params []warehouse.Parameter

	SortBy  string // allowlisted column; defaults to scada_tag
	SortDir string // "asc" or "desc"; defaults to asc
}

// List assembles the complete live result set in bounded windows. Windows use
// a seek cursor (last-seen sort value plus id tiebreak) rather than offsets,
// so concurrent writes cannot make a window skip or duplicate rows.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	sortBy := opts.SortBy
	if !sortableColumns[sortBy] {
		sortBy = "scada_tag"
	}
	dir := "ASC"
	op := ">"
	if strings.EqualFold(opts.SortDir, "desc") {
		dir = "DESC"
		op = "<"
	}

	var (
		out       []Record
		afterSort string
		afterID   string
		hasCursor bool
	)

	for {
		stmt, params := s.windowQuery(opts, sortBy, dir, op, afterSort, afterID, hasCursor)
		rs, err := s.exec(ctx, stmt, params)
		if err != nil {
			// Discard any partially accumulated rows.
			return nil, err
		}

		for _, row := range rs.Rows {
			rec, err := mapRow(row, rs.Columns)
			if err != nil {
				return nil, fmt.Errorf("failed to map row: %w", err)
			}
			out = append(out, rec)
		}

		if len(rs.Rows) < s.cfg.WindowSize {
			break
		}

		last := out[len(out)-1]
		afterSort = sortValue(last, sortBy)
		afterID = last.ID
		hasCursor = true
	}

	s.log.Debug("list complete", "rows", len(out), "sort_by", sortBy, "dir", dir)
	return out, nil
}

func (s *Store) windowQuery(opts ListOptions, sortBy, dir, op, afterSort, afterID string, hasCursor bool) (string, []warehouse.Parameter) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE is_active = true AND is_deleted = false",
		strings.Join(recordColumns, ", "), s.cfg.Table)

	params := append([]warehouse.Parameter(nil), opts.Params...)
	if opts.Where != "" {
		fmt.Fprintf(&b, " AND (%s)", opts.Where)
	}
	if hasCursor {
		fmt.Fprintf(&b, " AND (%s %s :after_sort OR (%s = :after_sort AND id %s :after_id))",
			sortBy, op, sortBy, op)
		params = append(params,
			warehouse.StringParam("after_sort", afterSort),
			warehouse.StringParam("after_id", afterID))
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s LIMIT %d", sortBy, dir, dir, s.cfg.WindowSize)
	return b.String(), params
}

func sortValue(rec Record, column string) string {
	switch column {
	case "scada_tag":
		return rec.ScadaTag
	case "pi_tag":
		return rec.PITag
	case "product_type":
		return rec.ProductType
	case "tag_type":
		return rec.TagType
	case "aggregation_type":
		return rec.AggregationType
	case "entname":
		return rec.EntName
	case "asset_team":
		return rec.AssetTeam
	case "uom":
		return rec.UOM
	case "meter_id":
		return rec.MeterID
	case "api10":
		return rec.API10
	case "test_site":
		return rec.TestSite
	default:
		return rec.ScadaTag
	}
}

// Get returns one live record by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE id = :id AND is_deleted = false",
		strings.Join(recordColumns, ", "), s.cfg.Table)
	rs, err := s.exec(ctx, stmt, []warehouse.Parameter{warehouse.StringParam("id", id)})
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, ErrNotFound
	}
	rec, err := mapRow(rs.Rows[0], rs.Columns)
	if err != nil {
		return nil, fmt.Errorf("failed to map row: %w", err)
	}
	return &rec, nil
}

// Create validates the field set, resolves the tplnr to its surrogate key,
// inserts the row, and returns the committed state read back by id.
func (s *Store) Create(ctx context.Context, fields Fields, actor string) (*Record, error) {
	if err := fields.validate(true); err != nil {
		return nil, err
	}

	tplnr := NormalizeTplnr(fields.str("tplnr"))
	resolved, err := s.ResolveTplnrs(ctx, []string{tplnr})
	if err != nil {
		return nil, err
	}
	entHID, ok := resolved[tplnr]
	if !ok {
		return nil, &ValidationError{Field: "tplnr", Message: fmt.Sprintf("no entity match for %q", tplnr)}
	}

	now := s.cfg.Clock.Now().UTC()
	rec := recordFromFields(fields)
	rec.ID = uuid.NewString()
	rec.EntHID = entHID
	rec.IsDeleted = false
	rec.CreateUser = actor
	rec.CreateDate = &now
	rec.ChangeUser = actor
	rec.ChangeDate = &now
	if _, ok := fields["is_active"]; !ok {
		rec.IsActive = true
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.cfg.Table, strings.Join(recordColumns, ", "), namedPlaceholders(recordColumns))
	if _, err := s.exec(ctx, stmt, recordParams(rec)); err != nil {
		return nil, err
	}

	s.log.Info("record created", "id", rec.ID, "scada_tag", rec.ScadaTag, "actor", actor)
	return s.Get(ctx, rec.ID)
}

// Update applies only the fields present in the partial set, always stamping
// change metadata, and returns the committed state read back by id.
func (s *Store) Update(ctx context.Context, id string, fields Fields, actor string) (*Record, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNoFieldsToUpdate
	}
	if err := fields.validate(false); err != nil {
		return nil, err
	}

	set := make(Fields, len(fields))
	for k, v := range fields {
		set[k] = v
	}

	if _, ok := set["tplnr"]; ok {
		tplnr := NormalizeTplnr(set.str("tplnr"))
		if tplnr == "" {
			return nil, &ValidationError{Field: "tplnr", Message: "must not be empty"}
		}
		resolved, err := s.ResolveTplnrs(ctx, []string{tplnr})
		if err != nil {
			return nil, err
		}
		entHID, ok := resolved[tplnr]
		if !ok {
			return nil, &ValidationError{Field: "tplnr", Message: fmt.Sprintf("no entity match for %q", tplnr)}
		}
		delete(set, "tplnr")
		set["ent_hid"] = strconv.FormatInt(entHID, 10)
	}

	if err := s.applyUpdate(ctx, id, set, actor); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete soft-deletes the record. The row is never physically removed.
func (s *Store) Delete(ctx context.Context, id string, actor string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	err := s.applyUpdate(ctx, id, Fields{"is_deleted": true}, actor)
	if err == nil {
		s.log.Info("record soft-deleted", "id", id, "actor", actor)
	}
	return err
}

// SetActive toggles the is_active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool, actor string) (*Record, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.applyUpdate(ctx, id, Fields{"is_active": active}, actor); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// applyUpdate builds a dynamic SET list from the given columns plus the two
// change-tracking stamps and executes it as one statement.
func (s *Store) applyUpdate(ctx context.Context, id string, set Fields, actor string) error {
	now := s.cfg.Clock.Now().UTC()
	set["change_user"] = actor
	set["change_date"] = now.Format(timestampLayout)

	var clauses []string
	var params []warehouse.Parameter
	// Deterministic clause order keeps statements reproducible.
	for _, col := range recordColumns {
		v, ok := set[col]
		if !ok {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = :set_%s", col, col))
		params = append(params, columnParam("set_"+col, col, v))
	}
	params = append(params, warehouse.StringParam("id", id))

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = :id AND is_deleted = false",
		s.cfg.Table, strings.Join(clauses, ", "))
	_, err := s.exec(ctx, stmt, params)
	return err
}

// InsertRecords commits the given records as one multi-row insert. Values are
// inlined as escaped literals because the statement API binds only scalar
// named parameters.
func (s *Store) InsertRecords(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.cfg.Table, strings.Join(recordColumns, ", "))
	for i, rec := range recs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowLiterals(rec))
	}
	_, err := s.exec(ctx, b.String(), nil)
	return err
}

// TagTypes returns the server-maintained tag type vocabulary.
func (s *Store) TagTypes(ctx context.Context) ([]string, error) {
	return s.distinctValues(ctx, "tag_type")
}

// AggregationTypes returns the server-maintained aggregation type vocabulary.
func (s *Store) AggregationTypes(ctx context.Context) ([]string, error) {
	return s.distinctValues(ctx, "aggregation_type")
}

func (s *Store) distinctValues(ctx context.Context, column string) ([]string, error) {
	stmt := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE is_deleted = false ORDER BY %s",
		column, s.cfg.Table, column)
	rs, err := s.exec(ctx, stmt, nil)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if len(row) == 0 {
			continue
		}
		if v := asString(row[0]); v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}

// Ping verifies warehouse reachability with a trivial statement.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.exec(ctx, "SELECT 1", nil)
	return err
}

// Healthy reports the advisory connection-health flag. It is flipped false on
// any connectivity failure and reset only by a successful Reconnect.
func (s *Store) Healthy() bool {
	return s.healthy.Load()
}

// Reconnect re-verifies connectivity and clears the unhealthy flag on success.
func (s *Store) Reconnect(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.healthy.Store(true)
	return nil
}

func (s *Store) exec(ctx context.Context, stmt string, params []warehouse.Parameter) (*warehouse.ResultSet, error) {
	rs, err := s.cfg.Executor.Execute(ctx, stmt, params)
	if err != nil {
		var ce *warehouse.ConnectivityError
		if errors.As(err, &ce) {
			s.healthy.Store(false)
		}
		return nil, err
	}
	return rs, nil
}

func namedPlaceholders(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = ":" + c
	}
	return strings.Join(out, ", ")
}

// recordParams binds every record column as a named parameter for a
// single-row insert.
func recordParams(rec Record) []warehouse.Parameter {
	values := recordValues(rec)
	params := make([]warehouse.Parameter, 0, len(recordColumns))
	for i, col := range recordColumns {
		params = append(params, columnParam(col, col, values[i]))
	}
	return params
}

// columnParam types a parameter from its column's declared type.
func columnParam(name, column string, v any) warehouse.Parameter {
	value := asString(v)
	switch column {
	case "conversion_factor":
		return warehouse.Parameter{Name: name, Value: value, Type: "DOUBLE"}
	case "ent_hid":
		return warehouse.Parameter{Name: name, Value: value, Type: "BIGINT"}
	case "is_active", "is_deleted":
		return warehouse.Parameter{Name: name, Value: value, Type: "BOOLEAN"}
	case "create_date", "change_date":
		return warehouse.Parameter{Name: name, Value: value, Type: "TIMESTAMP"}
	default:
		return warehouse.StringParam(name, value)
	}
}

func rowLiterals(rec Record) string {
	parts := []string{
		quoteLiteral(rec.ID),
		quoteLiteral(rec.ScadaTag),
		quoteLiteral(rec.PITag),
		quoteLiteral(rec.ProductType),
		quoteLiteral(rec.TagType),
		quoteLiteral(rec.AggregationType),
		strconv.FormatFloat(rec.ConversionFactor, 'f', -1, 64),
		strconv.FormatInt(rec.EntHID, 10),
		quoteLiteral(rec.TestSite),
		quoteLiteral(rec.API10),
		quoteLiteral(rec.UOM),
		quoteLiteral(rec.MeterID),
		quoteLiteral(rec.EntName),
		quoteLiteral(rec.AssetTeam),
		strconv.FormatBool(rec.IsActive),
		strconv.FormatBool(rec.IsDeleted),
		quoteLiteral(rec.CreateUser),
		timestampLiteral(rec.CreateDate),
		quoteLiteral(rec.ChangeUser),
		timestampLiteral(rec.ChangeDate),
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// quoteLiteral escapes a string for inlining. The warehouse dialect treats
// backslash as an escape character inside string literals, so both it and the
// quote need escaping.
func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func timestampLiteral(t *time.Time) string {
	if t == nil {
		return "NULL"
	}
	return quoteLiteral(t.UTC().Format(timestampLayout))
}
