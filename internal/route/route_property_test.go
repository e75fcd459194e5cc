package route

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func token(km, meters int) string {
	return fmt.Sprintf("K%04d+%03d", km, meters)
}

// Property: DistanceOf(m) == DistanceOf(m) and DistanceBetween(m, m) == 0 for any valid mark.
func TestDistanceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("DistanceOf is idempotent", prop.ForAll(
		func(km, meters int) bool {
			tok := token(km, meters)
			d1, err1 := DistanceOf(tok)
			d2, err2 := DistanceOf(tok)
			return err1 == nil && err2 == nil && d1 == d2
		},
		gen.IntRange(0, 9999),
		gen.IntRange(0, 999),
	))

	properties.Property("DistanceBetween(m, m) is zero", prop.ForAll(
		func(km, meters int) bool {
			tok := token(km, meters)
			d, err := DistanceBetween(tok, tok)
			return err == nil && d == 0
		},
		gen.IntRange(0, 9999),
		gen.IntRange(0, 999),
	))

	properties.Property("DistanceBetween is symmetric", prop.ForAll(
		func(a, b int) bool {
			ta, tb := token(a, 0), token(b, 500)
			d1, err1 := DistanceBetween(ta, tb)
			d2, err2 := DistanceBetween(tb, ta)
			return err1 == nil && err2 == nil && d1 == d2 && d1 >= 0
		},
		gen.IntRange(0, 9999),
		gen.IntRange(0, 9999),
	))

	properties.TestingRun(t)
}

// Property: IsContinuous(a, b) iff PositionOf(a) - PositionOf(b) == 1, and
// continuity in one direction excludes continuity in the other.
func TestContinuityProperties(t *testing.T) {
	const n = 20
	outbound := make([]string, n)
	inbound := make([]string, n)
	for i := 0; i < n; i++ {
		outbound[i] = token(i*10, 0)
		inbound[i] = token((n-i)*10, 300)
	}
	m, err := New(Config{Outbound: outbound, Inbound: inbound})
	if err != nil {
		t.Fatalf("building route: %v", err)
	}
	all := append(append([]string(nil), outbound...), inbound...)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("continuity matches position difference", prop.ForAll(
		func(i, j int) bool {
			a, b := all[i], all[j]
			pa, _ := m.PositionOf(a)
			pb, _ := m.PositionOf(b)
			ok, err := m.IsContinuous(a, b)
			return err == nil && ok == (pa-pb == 1)
		},
		gen.IntRange(0, len(all)-1),
		gen.IntRange(0, len(all)-1),
	))

	properties.Property("continuity is not symmetric", prop.ForAll(
		func(i, j int) bool {
			ab, _ := m.IsContinuous(all[i], all[j])
			ba, _ := m.IsContinuous(all[j], all[i])
			return !(ab && ba)
		},
		gen.IntRange(0, len(all)-1),
		gen.IntRange(0, len(all)-1),
	))

	properties.TestingRun(t)
}
