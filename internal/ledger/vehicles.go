package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tollmark/mileage/internal/model"
)

const maxPhoneLen = 11

// VehicleImport summarizes a vehicle master import.
type VehicleImport struct {
	Imported int
	Skipped  int
}

// ImportVehicles loads vehicle master rows (username, phone, plate,
// vehicle_type) after a header row. Malformed rows and plates that are
// already registered are logged and skipped; they never fail the import.
func (s *Service) ImportVehicles(ctx context.Context, r io.Reader) (VehicleImport, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var out VehicleImport
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("reading vehicle csv: %w", err)
		}
		line++
		if line == 1 {
			continue
		}

		v, err := parseVehicle(rec)
		if err != nil {
			out.Skipped++
			s.logger.WarnContext(ctx, "Skipping vehicle row", "line", line, "error", err)
			continue
		}

		n, err := s.store.Count(ctx, &model.Vehicle{}, "plate = ?", v.Plate)
		if err != nil {
			return out, err
		}
		if n > 0 {
			out.Skipped++
			s.logger.WarnContext(ctx, "Skipping already registered plate", "line", line, "plate", v.Plate)
			continue
		}

		if err := s.store.Insert(ctx, &v); err != nil {
			out.Skipped++
			s.logger.ErrorContext(ctx, "Failed to import vehicle row", "line", line, "plate", v.Plate, "error", err)
			continue
		}
		out.Imported++
	}

	s.logger.InfoContext(ctx, "Imported vehicles", "imported", out.Imported, "skipped", out.Skipped)
	return out, nil
}

func parseVehicle(rec []string) (model.Vehicle, error) {
	if len(rec) != 4 {
		return model.Vehicle{}, fmt.Errorf("expected 4 columns, got %d", len(rec))
	}
	v := model.Vehicle{
		Username:    strings.TrimSpace(rec[0]),
		Phone:       strings.TrimSpace(rec[1]),
		Plate:       strings.TrimSpace(rec[2]),
		VehicleType: strings.TrimSpace(rec[3]),
	}
	if v.Plate == "" {
		return model.Vehicle{}, fmt.Errorf("empty plate")
	}
	if v.Phone == "" || len(v.Phone) > maxPhoneLen {
		return model.Vehicle{}, fmt.Errorf("invalid phone %q", v.Phone)
	}
	return v, nil
}
