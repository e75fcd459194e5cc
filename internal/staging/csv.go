package staging

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RawPass is one uploaded trace row, kept as text.
type RawPass struct {
	Plate    string
	PassTime string
	Mark     string
}

// ReadCSV reads a trace upload: a header row followed by
// plate, pass_time, mark columns. Extra columns are ignored.
func ReadCSV(r io.Reader) ([]RawPass, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []RawPass
	header := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading trace csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(rec) < 3 {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("trace csv line %d: expected 3 columns, got %d", line, len(rec))
		}
		rows = append(rows, RawPass{
			Plate:    strings.TrimSpace(rec[0]),
			PassTime: strings.TrimSpace(rec[1]),
			Mark:     strings.TrimSpace(rec[2]),
		})
	}
	return rows, nil
}
