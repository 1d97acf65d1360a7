package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	xreftesting "github.com/strataops/xref/utils/pkg/testing"
	"github.com/strataops/xref/xref/pkg/warehouse"
)

var testClockStart = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, mock *MockExecutor) *Store {
	t.Helper()
	s, err := New(Config{
		Logger:     xreftesting.NewLogger(),
		Executor:   mock,
		Table:      mock.Table,
		BaseTable:  mock.BaseTable,
		WindowSize: 5,
		Clock:      clockwork.NewFakeClockAt(testClockStart),
	})
	require.NoError(t, err)
	return s
}

func seedRecord(n int) Record {
	return Record{
		ID:              fmt.Sprintf("id-%03d", n),
		ScadaTag:        fmt.Sprintf("SCADA.%03d", n),
		PITag:           fmt.Sprintf("PI:%03d", n),
		ProductType:     "OIL",
		TagType:         "FLOW",
		AggregationType: "SUM",
		EntHID:          int64(n),
		IsActive:        true,
	}
}

func TestXref_Store_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{}
		log := xreftesting.NewLogger()

		for _, tc := range []struct {
			name string
			cfg  Config
			want string
		}{
			{"missing logger", Config{Executor: mock, Table: "t", BaseTable: "b"}, "logger is required"},
			{"missing executor", Config{Logger: log, Table: "t", BaseTable: "b"}, "executor is required"},
			{"missing table", Config{Logger: log, Executor: mock, BaseTable: "b"}, "table is required"},
		} {
			s, err := New(tc.cfg)
			require.Error(t, err, tc.name)
			require.Nil(t, s, tc.name)
			require.Contains(t, err.Error(), tc.want, tc.name)
		}
	})

	t.Run("returns store when config is valid", func(t *testing.T) {
		t.Parallel()
		s, err := New(Config{
			Logger:    xreftesting.NewLogger(),
			Executor:  &MockExecutor{},
			Table:     "xref",
			BaseTable: "entities",
		})
		require.NoError(t, err)
		require.NotNil(t, s)
		require.True(t, s.Healthy())
	})
}

func TestXref_Store_List(t *testing.T) {
	t.Parallel()

	t.Run("returns every live row across window boundaries", func(t *testing.T) {
		t.Parallel()

		// Window size is 5; exercise counts around the boundary.
		for _, n := range []int{0, 1, 4, 5, 6, 10, 12} {
			mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
			for i := 0; i < n; i++ {
				mock.Records = append(mock.Records, seedRecord(i))
			}
			s := newTestStore(t, mock)

			records, err := s.List(context.Background(), ListOptions{})
			require.NoError(t, err, "n=%d", n)
			require.Len(t, records, n, "n=%d", n)

			seen := make(map[string]bool, n)
			for i, rec := range records {
				require.False(t, seen[rec.ID], "n=%d duplicate %s", n, rec.ID)
				seen[rec.ID] = true
				if i > 0 {
					require.LessOrEqual(t, records[i-1].ScadaTag, rec.ScadaTag, "n=%d", n)
				}
			}
		}
	})

	t.Run("orders descending when requested", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		for i := 0; i < 7; i++ {
			mock.Records = append(mock.Records, seedRecord(i))
		}
		s := newTestStore(t, mock)

		records, err := s.List(context.Background(), ListOptions{SortBy: "scada_tag", SortDir: "desc"})
		require.NoError(t, err)
		require.Len(t, records, 7)
		for i := 1; i < len(records); i++ {
			require.GreaterOrEqual(t, records[i-1].ScadaTag, records[i].ScadaTag)
		}
	})

	t.Run("excludes inactive and soft-deleted rows", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		live := seedRecord(0)
		inactive := seedRecord(1)
		inactive.IsActive = false
		deleted := seedRecord(2)
		deleted.IsDeleted = true
		mock.Records = []Record{live, inactive, deleted}
		s := newTestStore(t, mock)

		records, err := s.List(context.Background(), ListOptions{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, live.ID, records[0].ID)
	})

	t.Run("falls back to the default sort for unknown columns", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		mock.Records = append(mock.Records, seedRecord(0))
		s := newTestStore(t, mock)

		records, err := s.List(context.Background(), ListOptions{SortBy: "id; DROP TABLE xref"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Contains(t, mock.Statements[0], "ORDER BY scada_tag ASC")
	})

	t.Run("discards partial results when a window fails", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		for i := 0; i < 12; i++ {
			mock.Records = append(mock.Records, seedRecord(i))
		}
		// The first window carries no cursor; every later one does.
		mock.FailOn = ":after_sort"
		mock.FailOnErr = errors.New("window failed")
		s := newTestStore(t, mock)

		records, err := s.List(context.Background(), ListOptions{})
		require.Error(t, err)
		require.Nil(t, records)
	})
}

func TestXref_Store_Get(t *testing.T) {
	t.Parallel()

	t.Run("returns the record by id", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		mock.Records = append(mock.Records, seedRecord(3))
		s := newTestStore(t, mock)

		rec, err := s.Get(context.Background(), "id-003")
		require.NoError(t, err)
		require.Equal(t, "SCADA.003", rec.ScadaTag)
		require.Equal(t, int64(3), rec.EntHID)
	})

	t.Run("returns ErrNotFound for an unknown id", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		_, err := s.Get(context.Background(), "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returns ErrNotFound for a soft-deleted id", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		rec := seedRecord(4)
		rec.IsDeleted = true
		mock.Records = append(mock.Records, rec)
		s := newTestStore(t, mock)

		_, err := s.Get(context.Background(), rec.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestXref_Store_Create(t *testing.T) {
	t.Parallel()

	validFields := func() Fields {
		return Fields{
			"scada_tag":         "SCADA.NEW",
			"pi_tag":            "PI:NEW",
			"product_type":      "OIL",
			"tag_type":          "FLOW",
			"aggregation_type":  "SUM",
			"tplnr":             " AB  101 ",
			"conversion_factor": "1.5",
			"uom":               "BBL",
		}
	}

	t.Run("creates and returns the committed record", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{
			Table:     "xref",
			BaseTable: "entities",
			Entities:  map[string]int64{"AB 101": 42},
		}
		s := newTestStore(t, mock)

		rec, err := s.Create(context.Background(), validFields(), "jdoe")
		require.NoError(t, err)
		require.NotEmpty(t, rec.ID)
		require.Equal(t, "SCADA.NEW", rec.ScadaTag)
		require.Equal(t, int64(42), rec.EntHID)
		require.Equal(t, 1.5, rec.ConversionFactor)
		require.Equal(t, "BBL", rec.UOM)
		require.True(t, rec.IsActive)
		require.False(t, rec.IsDeleted)
		require.Equal(t, "jdoe", rec.CreateUser)
		require.Equal(t, "jdoe", rec.ChangeUser)
		require.NotNil(t, rec.CreateDate)
		require.Equal(t, testClockStart, rec.CreateDate.UTC())
		require.Len(t, mock.Records, 1)
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		fields := validFields()
		delete(fields, "pi_tag")
		_, err := s.Create(context.Background(), fields, "jdoe")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		require.Equal(t, "pi_tag", vErr.Field)
		require.Empty(t, mock.Records)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		fields := validFields()
		fields["favorite_color"] = "blue"
		_, err := s.Create(context.Background(), fields, "jdoe")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		require.Equal(t, "favorite_color", vErr.Field)
	})

	t.Run("rejects a non-numeric conversion factor", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		fields := validFields()
		fields["conversion_factor"] = "12..5"
		_, err := s.Create(context.Background(), fields, "jdoe")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		require.Equal(t, "conversion_factor", vErr.Field)
	})

	t.Run("rejects an unresolvable tplnr", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{
			Table:     "xref",
			BaseTable: "entities",
			Entities:  map[string]int64{},
		}
		s := newTestStore(t, mock)

		_, err := s.Create(context.Background(), validFields(), "jdoe")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		require.Equal(t, "tplnr", vErr.Field)
		require.Empty(t, mock.Records)
	})
}

func TestXref_Store_Update(t *testing.T) {
	t.Parallel()

	t.Run("changes only the given fields plus change stamps", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		orig := seedRecord(1)
		orig.UOM = "BBL"
		orig.CreateUser = "loader"
		mock.Records = append(mock.Records, orig)
		s := newTestStore(t, mock)

		rec, err := s.Update(context.Background(), orig.ID, Fields{"uom": "MCF"}, "asmith")
		require.NoError(t, err)
		require.Equal(t, "MCF", rec.UOM)
		require.Equal(t, "asmith", rec.ChangeUser)
		require.NotNil(t, rec.ChangeDate)
		require.Equal(t, testClockStart, rec.ChangeDate.UTC())

		require.Equal(t, orig.ScadaTag, rec.ScadaTag)
		require.Equal(t, orig.PITag, rec.PITag)
		require.Equal(t, orig.EntHID, rec.EntHID)
		require.Equal(t, orig.CreateUser, rec.CreateUser)
		require.True(t, rec.IsActive)
	})

	t.Run("re-resolves a changed tplnr", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{
			Table:     "xref",
			BaseTable: "entities",
			Entities:  map[string]int64{"CD-202": 99},
		}
		mock.Records = append(mock.Records, seedRecord(1))
		s := newTestStore(t, mock)

		rec, err := s.Update(context.Background(), "id-001", Fields{"tplnr": "CD-202"}, "asmith")
		require.NoError(t, err)
		require.Equal(t, int64(99), rec.EntHID)
	})

	t.Run("rejects an unresolvable tplnr without writing", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{
			Table:     "xref",
			BaseTable: "entities",
			Entities:  map[string]int64{},
		}
		mock.Records = append(mock.Records, seedRecord(1))
		s := newTestStore(t, mock)

		_, err := s.Update(context.Background(), "id-001", Fields{"tplnr": "ZZ-999"}, "asmith")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		require.Equal(t, "tplnr", vErr.Field)
		require.Equal(t, int64(1), mock.Records[0].EntHID)
	})

	t.Run("returns ErrNoFieldsToUpdate for an empty set", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		mock.Records = append(mock.Records, seedRecord(1))
		s := newTestStore(t, mock)

		_, err := s.Update(context.Background(), "id-001", Fields{}, "asmith")
		require.ErrorIs(t, err, ErrNoFieldsToUpdate)
	})

	t.Run("returns ErrNotFound for an unknown id", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		_, err := s.Update(context.Background(), "nope", Fields{"uom": "MCF"}, "asmith")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestXref_Store_Delete(t *testing.T) {
	t.Parallel()

	t.Run("soft-deletes without removing the row", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		mock.Records = append(mock.Records, seedRecord(1), seedRecord(2))
		s := newTestStore(t, mock)

		require.NoError(t, s.Delete(context.Background(), "id-001", "asmith"))

		_, err := s.Get(context.Background(), "id-001")
		require.ErrorIs(t, err, ErrNotFound)

		records, err := s.List(context.Background(), ListOptions{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "id-002", records[0].ID)

		// The row stays in place with the flag set.
		require.Len(t, mock.Records, 2)
		require.True(t, mock.Records[0].IsDeleted)
		require.Equal(t, "asmith", mock.Records[0].ChangeUser)
	})

	t.Run("returns ErrNotFound for an unknown id", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)
		require.ErrorIs(t, s.Delete(context.Background(), "nope", "asmith"), ErrNotFound)
	})
}

func TestXref_Store_SetActive(t *testing.T) {
	t.Parallel()

	mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
	mock.Records = append(mock.Records, seedRecord(1))
	s := newTestStore(t, mock)

	rec, err := s.SetActive(context.Background(), "id-001", false, "asmith")
	require.NoError(t, err)
	require.False(t, rec.IsActive)
	require.Equal(t, "asmith", rec.ChangeUser)

	// Inactive rows drop out of listings but remain fetchable.
	records, err := s.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Empty(t, records)

	rec, err = s.Get(context.Background(), "id-001")
	require.NoError(t, err)
	require.False(t, rec.IsActive)

	rec, err = s.SetActive(context.Background(), "id-001", true, "asmith")
	require.NoError(t, err)
	require.True(t, rec.IsActive)
}

func TestXref_Store_InsertRecords(t *testing.T) {
	t.Parallel()

	t.Run("commits every record in a multi-row batch", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		stamp := testClockStart
		recs := make([]Record, 3)
		for i := range recs {
			recs[i] = seedRecord(i)
			recs[i].PITag = fmt.Sprintf("PI:%d", i)
			recs[i].ConversionFactor = 2.5
			recs[i].CreateUser = "loader"
			recs[i].CreateDate = &stamp
			recs[i].ChangeUser = "loader"
			recs[i].ChangeDate = &stamp
		}

		require.NoError(t, s.InsertRecords(context.Background(), recs))
		require.Len(t, mock.Records, 3)

		for _, want := range recs {
			got, err := s.Get(context.Background(), want.ID)
			require.NoError(t, err)
			require.Equal(t, want, *got)
		}
	})

	t.Run("round-trips quotes and backslashes in literal values", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		rec := seedRecord(0)
		rec.EntName = `O'BRIEN PAD`
		rec.ScadaTag = `SCADA\WELL\01`
		rec.MeterID = `M-1\`

		require.NoError(t, s.InsertRecords(context.Background(), []Record{rec}))
		got, err := s.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		require.Equal(t, rec, *got)
	})

	t.Run("inserts nothing for an empty batch", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)
		require.NoError(t, s.InsertRecords(context.Background(), nil))
		require.Empty(t, mock.Statements)
	})
}

func TestXref_Store_Vocabularies(t *testing.T) {
	t.Parallel()

	mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
	a := seedRecord(1)
	a.TagType = "PRESSURE"
	a.AggregationType = "AVG"
	b := seedRecord(2)
	c := seedRecord(3)
	c.TagType = "TEMP"
	c.AggregationType = "MAX"
	c.IsDeleted = true
	mock.Records = append(mock.Records, a, b, c)
	s := newTestStore(t, mock)

	tagTypes, err := s.TagTypes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"FLOW", "PRESSURE"}, tagTypes)

	aggTypes, err := s.AggregationTypes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"AVG", "SUM"}, aggTypes)
}

func TestXref_Store_Health(t *testing.T) {
	t.Parallel()

	t.Run("connectivity failures flip the flag and Reconnect restores it", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)
		require.True(t, s.Healthy())

		mock.FailNext = &warehouse.ConnectivityError{Err: errors.New("dial tcp: refused")}
		require.Error(t, s.Ping(context.Background()))
		require.False(t, s.Healthy())

		require.NoError(t, s.Reconnect(context.Background()))
		require.True(t, s.Healthy())
	})

	t.Run("statement failures leave the flag alone", func(t *testing.T) {
		t.Parallel()

		mock := &MockExecutor{Table: "xref", BaseTable: "entities"}
		s := newTestStore(t, mock)

		mock.FailNext = &warehouse.StatementError{State: warehouse.StateFailed, Message: "bad sql"}
		require.Error(t, s.Ping(context.Background()))
		require.True(t, s.Healthy())
	})
}
