package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"export-job-service/internal/models"
)

// Encode serializes a dataset to the requested format. Returns the body,
// its content type, and the file extension for the artifact key.
func Encode(d Dataset, format string) ([]byte, string, string, error) {
	switch format {
	case models.FormatCSV:
		body, err := encodeCSV(d)
		return body, "text/csv", "csv", err
	case models.FormatJSON:
		body, err := json.MarshalIndent(d.Rows, "", "  ")
		if err != nil {
			return nil, "", "", fmt.Errorf("encode json: %w", err)
		}
		return body, "application/json", "json", nil
	default:
		return nil, "", "", fmt.Errorf("unknown format %q", format)
	}
}

func encodeCSV(d Dataset) ([]byte, error) {
	if len(d.Rows) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(d.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(d.Columns))
	for _, row := range d.Rows {
		for i, col := range d.Columns {
			record[i] = stringify(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// Trim trailing zeros the way %v does not for fixed-width formats.
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
