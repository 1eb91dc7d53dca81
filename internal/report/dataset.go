// Package report publishes training results as datasets to the reporting service.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"trainpipe/internal/apperrors"
)

// Dataset is a decoded table. Column order is preserved when encoding records.
type Dataset struct {
	Columns []string
	Rows    [][]any
}

// ParseCSV decodes a CSV document with a header row. Integer and float cells
// become numbers. Empty, NaN and infinite cells become null.
func ParseCSV(data []byte) (*Dataset, error) {
	r := csv.NewReader(bytes.NewReader(data))

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperrors.Validation("csv", "csv document is empty")
	}
	if err != nil {
		return nil, apperrors.Validation("csv", fmt.Sprintf("invalid csv header: %v", err))
	}

	ds := &Dataset{Columns: header}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Validation("csv", fmt.Sprintf("invalid csv: %v", err))
		}
		row := make([]any, len(record))
		for i, cell := range record {
			row[i] = parseCell(cell)
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func parseCell(cell string) any {
	if cell == "" {
		return nil
	}
	if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	}
	return cell
}

// Records encodes the dataset as a JSON array of objects, one per row, with keys
// in column order.
func (d *Dataset) Records() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range d.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range d.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(col)
			if err != nil {
				return nil, err
			}
			var cell any
			if j < len(row) {
				cell = row[j]
			}
			value, err := json.Marshal(cell)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(value)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
