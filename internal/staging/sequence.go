package staging

import (
	"cmp"
	"slices"
	"time"
)

// TracedPass is a filtered pass: a known plate with a parsed timestamp.
type TracedPass struct {
	Plate    string
	Mark     string
	PassTime time.Time
	BatchID  string
}

// SequencedEvent is a pass with its 1-based per-plate sequence number.
type SequencedEvent struct {
	Plate    string
	Seq      int
	Mark     string
	PassTime time.Time
	BatchID  string
}

// Sequence drops passes without a mark, removes duplicate
// (plate, mark, pass_time) triples and numbers the rest per plate in
// pass_time order. Ties on pass_time are broken by mark so the result does
// not depend on input order. The output is ordered by plate, then Seq.
func Sequence(passes []TracedPass) []SequencedEvent {
	rows := make([]TracedPass, 0, len(passes))
	for _, p := range passes {
		if p.Mark == "" {
			continue
		}
		rows = append(rows, p)
	}

	slices.SortStableFunc(rows, func(a, b TracedPass) int {
		return cmp.Or(
			cmp.Compare(a.Plate, b.Plate),
			a.PassTime.Compare(b.PassTime),
			cmp.Compare(a.Mark, b.Mark),
		)
	})

	out := make([]SequencedEvent, 0, len(rows))
	for i, p := range rows {
		if i > 0 {
			prev := rows[i-1]
			if prev.Plate == p.Plate && prev.Mark == p.Mark && prev.PassTime.Equal(p.PassTime) {
				continue
			}
		}
		seq := 1
		if n := len(out); n > 0 && out[n-1].Plate == p.Plate {
			seq = out[n-1].Seq + 1
		}
		out = append(out, SequencedEvent{
			Plate:    p.Plate,
			Seq:      seq,
			Mark:     p.Mark,
			PassTime: p.PassTime,
			BatchID:  p.BatchID,
		})
	}
	return out
}
