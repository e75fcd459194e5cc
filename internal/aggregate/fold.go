package aggregate

import (
	"time"

	"github.com/tollmark/mileage/internal/model"
	"github.com/tollmark/mileage/internal/staging"
)

// RouteModel is the part of the route the fold depends on.
type RouteModel interface {
	PositionOf(mark string) (int, error)
	IsContinuous(newer, older string) (bool, error)
	DistanceBetween(a, b string) (float64, error)
}

// LedgerState is the mutable part of a vehicle's ledger row. An empty
// LastRecord or zero LastRecordTime means the field is unset.
type LedgerState struct {
	LastRecord     string
	LastRecordTime time.Time
	Mileage        float64
	Bonus          float64
	Points         float64
}

// FoldStats counts what happened to each event of one fold.
type FoldStats struct {
	Applied  int
	Credited int
	Resets   int
	Stale    int
	Rejected int
}

func (s *FoldStats) add(o FoldStats) {
	s.Applied += o.Applied
	s.Credited += o.Credited
	s.Resets += o.Resets
	s.Stale += o.Stale
	s.Rejected += o.Rejected
}

// StateOf extracts the ledger state from a vehicle row.
func StateOf(v model.Vehicle) LedgerState {
	s := LedgerState{
		Mileage: v.Mileage,
		Bonus:   v.Bonus,
		Points:  v.Points,
	}
	if v.LastRecord != nil {
		s.LastRecord = *v.LastRecord
	}
	if v.LastRecordTime != nil {
		s.LastRecordTime = *v.LastRecordTime
	}
	return s
}

// Values returns the four persisted ledger columns.
func (s LedgerState) Values() map[string]any {
	values := map[string]any{
		"last_record":      nil,
		"last_record_time": nil,
		"mileage":          s.Mileage,
		"points":           s.Points,
	}
	if s.LastRecord != "" {
		values["last_record"] = s.LastRecord
	}
	if !s.LastRecordTime.IsZero() {
		values["last_record_time"] = s.LastRecordTime
	}
	return values
}

// Fold replays events, already in ascending sequence order, against state.
//
// An event strictly earlier than the ledger time is stale and skipped, and so
// is a repeat of the pass the ledger already ends on. An event whose own mark is malformed or off the route is rejected without
// advancing state. Otherwise the event moves the ledger to its mark and time,
// crediting the distance from the previous mark when the two are continuous
// and crediting nothing (a reset) when they are not. Points are recomputed
// from the total mileage once the sequence is done.
func Fold(state LedgerState, events []staging.SequencedEvent, rm RouteModel) (LedgerState, FoldStats) {
	var stats FoldStats

	for _, e := range events {
		if !state.LastRecordTime.IsZero() {
			if e.PassTime.Before(state.LastRecordTime) ||
				(e.PassTime.Equal(state.LastRecordTime) && e.Mark == state.LastRecord) {
				stats.Stale++
				continue
			}
		}
		if _, err := rm.PositionOf(e.Mark); err != nil {
			stats.Rejected++
			continue
		}

		if state.LastRecord != "" {
			// an unknown or malformed previous mark cannot be continuous
			continuous, err := rm.IsContinuous(e.Mark, state.LastRecord)
			if err == nil && continuous {
				if d, err := rm.DistanceBetween(e.Mark, state.LastRecord); err == nil {
					state.Mileage += d
					stats.Credited++
				}
			} else {
				stats.Resets++
			}
		}

		state.LastRecord = e.Mark
		state.LastRecordTime = e.PassTime
		stats.Applied++
	}

	state.Points = state.Mileage * state.Bonus
	return state, stats
}
