package forms

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"custcat-prediction-api/models"
)

var (
	ErrInvalidFormat  = errors.New("invalid file format")
	ErrFileProcessing = errors.New("file processing failed")
)

// MissingColumnsError lists required columns absent from the header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("%v: missing columns %s", ErrInvalidFormat, strings.Join(e.Columns, ", "))
}

func (e *MissingColumnsError) Unwrap() error { return ErrInvalidFormat }

// CellError reports an unparseable value. Row is 1-based and counts data rows
// only.
type CellError struct {
	Row     int
	Column  string
	Message string
}

func (e *CellError) Error() string {
	return fmt.Sprintf("row %d, column %s: %s", e.Row, e.Column, e.Message)
}

func (e *CellError) Unwrap() error { return ErrFileProcessing }

// ColumnSpec names a required column and how to parse it.
type ColumnSpec struct {
	Name string
	Kind models.FeatureKind
}

// FeatureColumns are the columns a batch file must carry.
func FeatureColumns() []ColumnSpec {
	fields := models.FeatureFields()
	specs := make([]ColumnSpec, len(fields))
	for i, f := range fields {
		specs[i] = ColumnSpec{Name: f.Name, Kind: f.Kind}
	}
	return specs
}

// ReadColumns reads a CSV with a header row and returns, for every data row,
// the values of specs in spec order. Extra columns are ignored.
func ReadColumns(r io.Reader, specs []ColumnSpec) ([][]float64, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidFormat, name)
		}
		index[name] = i
	}

	positions := make([]int, len(specs))
	var missing []string
	for i, spec := range specs {
		pos, ok := index[spec.Name]
		if !ok {
			missing = append(missing, spec.Name)
			continue
		}
		positions[i] = pos
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	var rows [][]float64
	rowNum := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFileProcessing, rowNum+1, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		rowNum++
		values := make([]float64, len(specs))
		for i, spec := range specs {
			raw := ""
			if positions[i] < len(record) {
				raw = record[positions[i]]
			}
			v, msg := ParseValue(spec.Kind, raw)
			if msg != "" {
				return nil, &CellError{Row: rowNum, Column: spec.Name, Message: msg}
			}
			values[i] = v
		}
		rows = append(rows, values)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file contains no data rows", ErrFileProcessing)
	}
	return rows, nil
}

// ReadFeatureTable parses a batch upload into typed feature rows.
func ReadFeatureTable(r io.Reader) ([]models.Features, error) {
	rows, err := ReadColumns(r, FeatureColumns())
	if err != nil {
		return nil, err
	}
	out := make([]models.Features, len(rows))
	for i, row := range rows {
		f, err := models.FeaturesFromVector(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFileProcessing, i+1, err)
		}
		out[i] = f
	}
	return out, nil
}
