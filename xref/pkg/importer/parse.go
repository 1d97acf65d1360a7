package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// importRow is one parsed data line: values keyed by normalized header name,
// the 1-based data line number, and the raw line for error reporting.
type importRow struct {
	line   int
	values map[string]string
	raw    string
}

// parseTable reads the input into header-keyed rows. XLSX input is detected
// by filename extension; everything else is treated as comma-delimited text.
func parseTable(filename string, input []byte) ([]importRow, error) {
	var records [][]string
	var err error
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		records, err = readXLSX(input)
	} else {
		records, err = readCSV(input)
	}
	if err != nil {
		return nil, err
	}
	return tableRows(records), nil
}

func readCSV(input []byte) ([][]string, error) {
	input = bytes.TrimPrefix(input, byteOrderMark)
	r := csv.NewReader(bytes.NewReader(input))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var records [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("import: failed to parse delimited input: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func readXLSX(input []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("import: failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("import: xlsx file has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("import: failed to read xlsx rows: %w", err)
	}
	return records, nil
}

// tableRows maps records onto the header row. The first non-blank record is
// the header; header names are matched case-insensitively and trimmed. Blank
// lines are dropped.
func tableRows(records [][]string) []importRow {
	var headers []string
	var rows []importRow
	line := 0
	for _, record := range records {
		if blankRecord(record) {
			continue
		}
		if headers == nil {
			headers = make([]string, len(record))
			for i, h := range record {
				headers[i] = strings.ToLower(strings.TrimSpace(h))
			}
			continue
		}
		line++
		values := make(map[string]string, len(headers))
		for i, h := range headers {
			if h == "" || i >= len(record) {
				continue
			}
			values[h] = record[i]
		}
		rows = append(rows, importRow{
			line:   line,
			values: values,
			raw:    strings.Join(record, ","),
		})
	}
	return rows
}

func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
