package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultMaxRows = 1000

var (
	errNoHeader      = errors.New("csv header row is missing")
	errNoEmailColumn = errors.New("csv must contain an Email column")
	errNoRows        = errors.New("csv must contain at least one data row")
)

// RecipientRow is one data row of a recipient CSV. Fields holds every column
// except Email, keyed by header.
type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

type header struct {
	names []string
	email int
}

func readHeader(reader *csv.Reader) (*header, error) {
	record, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errNoHeader
	}
	if err != nil {
		return nil, err
	}

	h := &header{names: make([]string, len(record)), email: -1}
	for i, name := range record {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		h.names[i] = name
		if h.email < 0 && strings.EqualFold(name, "email") {
			h.email = i
		}
	}
	if h.email < 0 {
		return nil, errNoEmailColumn
	}
	return h, nil
}

// row converts a record, reporting false for malformed rows and rows
// without an address.
func (h *header) row(record []string, line int) (RecipientRow, bool) {
	if len(record) != len(h.names) {
		return RecipientRow{}, false
	}

	email := strings.TrimSpace(record[h.email])
	if email == "" {
		return RecipientRow{}, false
	}

	fields := make(map[string]string, len(record)-1)
	for i, value := range record {
		if i != h.email && h.names[i] != "" {
			fields[h.names[i]] = strings.TrimSpace(value)
		}
	}
	return RecipientRow{Line: line, Email: email, Fields: fields}, true
}

// ParseRecipientRows reads a CSV with a header row containing an Email
// column (case-insensitive). Malformed rows and rows with an empty email are
// skipped. More than maxRows usable rows is an error rather than a silent
// cut; maxRows <= 0 means DefaultMaxRows.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	h, err := readHeader(reader)
	if err != nil {
		return nil, err
	}

	var rows []RecipientRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		line, _ := reader.FieldPos(0)
		row, ok := h.row(record, line)
		if !ok {
			continue
		}
		if len(rows) == maxRows {
			return nil, fmt.Errorf("csv has more than %d recipient rows (line %d)", maxRows, line)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, errNoRows
	}
	return rows, nil
}
