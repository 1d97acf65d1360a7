package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/strataops/xref/xref/pkg/store"
)

// ErrEmptyInput is returned when the input contains no data rows.
var ErrEmptyInput = errors.New("import: no data rows in input")

// CommitError indicates the commit statement itself failed. The warehouse has
// no multi-statement transaction, so a partially applied insert is possible;
// the batch and record ids are carried so a caller can check and reconcile.
type CommitError struct {
	BatchID   string
	RecordIDs []string
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("import: commit of batch %s failed: %v", e.BatchID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// RowError is one field-level validation failure tagged with its source line.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Result summarizes one import run.
type Result struct {
	BatchID           string     `json:"batch_id"`
	Timestamp         time.Time  `json:"timestamp"`
	TotalRows         int        `json:"total_rows"`
	SuccessfulImports int        `json:"successful_imports"`
	FailedImports     int        `json:"failed_imports"`
	Errors            []RowError `json:"errors"`
}

// Config holds the import pipeline configuration.
type Config struct {
	Logger *slog.Logger
	Store  *store.Store
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline runs validate-then-commit bulk imports. A batch commits either
// completely or not at all; partial success is never persisted.
type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// requiredColumns must be non-empty on every data row.
var requiredColumns = []string{
	"scada_tag",
	"pi_tag",
	"product_type",
	"tag_type",
	"aggregation_type",
	"tplnr",
}

// Import parses the delimited input, resolves every tplnr in one lookup,
// validates all rows without writing, and commits the whole batch as a single
// multi-row insert only when every row is valid.
func (p *Pipeline) Import(ctx context.Context, input []byte, filename, actor string) (*Result, error) {
	rows, err := parseTable(filename, input)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.values["tplnr"])
	}
	resolved, err := p.cfg.Store.ResolveTplnrs(ctx, keys)
	if err != nil {
		return nil, err
	}

	result := &Result{
		BatchID:   uuid.NewString(),
		Timestamp: p.cfg.Clock.Now().UTC(),
		TotalRows: len(rows),
		Errors:    []RowError{},
	}

	type candidate struct {
		row    importRow
		factor float64
		entHID int64
	}
	var candidates []candidate

	for _, row := range rows {
		var messages []string

		for _, col := range requiredColumns {
			if strings.TrimSpace(row.values[col]) == "" {
				messages = append(messages, col+" is required")
			}
		}

		tplnr := store.NormalizeTplnr(row.values["tplnr"])
		entHID, matched := resolved[tplnr]
		if tplnr != "" && !matched {
			messages = append(messages, fmt.Sprintf("no entity match for tplnr %q", tplnr))
		}

		// A malformed conversion factor is a validation error, not a
		// silent zero; only an absent value defaults.
		var factor float64
		if s := strings.TrimSpace(row.values["conversion_factor"]); s != "" {
			factor, err = strconv.ParseFloat(s, 64)
			if err != nil {
				messages = append(messages, fmt.Sprintf("conversion_factor is not a number: %q", s))
			}
		}

		if len(messages) > 0 {
			result.FailedImports++
			for _, msg := range messages {
				result.Errors = append(result.Errors, RowError{
					Row:     row.line,
					Field:   "general",
					Value:   row.raw,
					Message: msg,
				})
			}
			continue
		}
		candidates = append(candidates, candidate{row: row, factor: factor, entHID: entHID})
	}

	if result.FailedImports > 0 {
		p.log.Info("import rejected",
			"batch_id", result.BatchID,
			"total", result.TotalRows,
			"invalid", result.FailedImports)
		return result, nil
	}

	// Identifiers are generated at commit time only, so ids minted during a
	// rejected attempt never exist.
	now := p.cfg.Clock.Now().UTC()
	records := make([]store.Record, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		id := uuid.NewString()
		ids = append(ids, id)
		records = append(records, store.Record{
			ID:               id,
			ScadaTag:         strings.TrimSpace(c.row.values["scada_tag"]),
			PITag:            strings.TrimSpace(c.row.values["pi_tag"]),
			ProductType:      strings.TrimSpace(c.row.values["product_type"]),
			TagType:          strings.TrimSpace(c.row.values["tag_type"]),
			AggregationType:  strings.TrimSpace(c.row.values["aggregation_type"]),
			ConversionFactor: c.factor,
			EntHID:           c.entHID,
			TestSite:         strings.TrimSpace(c.row.values["test_site"]),
			API10:            strings.TrimSpace(c.row.values["api10"]),
			UOM:              strings.TrimSpace(c.row.values["uom"]),
			MeterID:          strings.TrimSpace(c.row.values["meter_id"]),
			EntName:          strings.TrimSpace(c.row.values["entname"]),
			AssetTeam:        strings.TrimSpace(c.row.values["asset_team"]),
			IsActive:         true,
			CreateUser:       actor,
			CreateDate:       &now,
			ChangeUser:       actor,
			ChangeDate:       &now,
		})
	}

	if err := p.cfg.Store.InsertRecords(ctx, records); err != nil {
		return nil, &CommitError{BatchID: result.BatchID, RecordIDs: ids, Err: err}
	}

	result.SuccessfulImports = len(records)
	p.log.Info("import committed",
		"batch_id", result.BatchID,
		"rows", result.SuccessfulImports,
		"actor", actor)
	return result, nil
}
