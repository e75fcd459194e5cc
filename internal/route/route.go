// Package route models the standard toll corridor: two ordered sequences of
// mark tokens, one per travel direction, and the continuity rule between
// consecutive passes.
package route

import (
	"fmt"
	"strings"
)

// DuplicatePolicy decides what happens when a token appears more than once
// in the configured route.
type DuplicatePolicy string

const (
	// RejectDuplicates fails construction on any repeated token.
	RejectDuplicates DuplicatePolicy = "reject"
	// FirstMatch keeps the earliest position: outbound before inbound,
	// lower index before higher.
	FirstMatch DuplicatePolicy = "first-match"
)

// DefaultInboundOffset separates the inbound index space from the outbound one.
const DefaultInboundOffset = 10000

// Config is the standard route definition.
type Config struct {
	Outbound      []string
	Inbound       []string
	InboundOffset int
	Duplicates    DuplicatePolicy
}

// Model answers position and continuity lookups against a fixed route.
// It is immutable after New and safe for concurrent use.
type Model struct {
	positions map[string]int
	outbound  []string
	inbound   []string
	offset    int
}

// New validates cfg and builds the lookup table.
func New(cfg Config) (*Model, error) {
	offset := cfg.InboundOffset
	if offset <= 0 {
		offset = DefaultInboundOffset
	}
	if len(cfg.Outbound) >= offset {
		return nil, fmt.Errorf("outbound sequence (%d marks) overlaps inbound offset %d", len(cfg.Outbound), offset)
	}

	policy := cfg.Duplicates
	if policy == "" {
		policy = RejectDuplicates
	}
	if policy != RejectDuplicates && policy != FirstMatch {
		return nil, fmt.Errorf("unknown duplicate policy %q", policy)
	}

	m := &Model{
		positions: make(map[string]int, len(cfg.Outbound)+len(cfg.Inbound)),
		offset:    offset,
	}

	add := func(direction string, tokens []string, base int) ([]string, error) {
		out := make([]string, 0, len(tokens))
		for i, tok := range tokens {
			mark, err := ParseMark(tok)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", direction, i, err)
			}
			out = append(out, mark.Token)
			if prev, seen := m.positions[mark.Token]; seen {
				if policy == RejectDuplicates {
					return nil, fmt.Errorf("%w: %s repeated at %s[%d] (first position %d)", ErrAmbiguousRoute, mark.Token, direction, i, prev)
				}
				continue
			}
			m.positions[mark.Token] = base + i
		}
		return out, nil
	}

	var err error
	if m.outbound, err = add("outbound", cfg.Outbound, 0); err != nil {
		return nil, err
	}
	if m.inbound, err = add("inbound", cfg.Inbound, offset); err != nil {
		return nil, err
	}
	return m, nil
}

// PositionOf returns the position index of a token. Outbound marks map to
// their index, inbound marks to their index plus the inbound offset.
func (m *Model) PositionOf(token string) (int, error) {
	mark, err := ParseMark(token)
	if err != nil {
		return 0, err
	}
	pos, ok := m.positions[mark.Token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoutePosition, mark.Token)
	}
	return pos, nil
}

// IsContinuous reports whether newer is exactly one step ahead of older in
// the same direction. The relation is not symmetric.
func (m *Model) IsContinuous(newer, older string) (bool, error) {
	a, err := m.PositionOf(newer)
	if err != nil {
		return false, err
	}
	b, err := m.PositionOf(older)
	if err != nil {
		return false, err
	}
	return a-b == 1, nil
}

// DistanceBetween is the package-level DistanceBetween, exposed on the model
// so the fold can depend on a single collaborator.
func (m *Model) DistanceBetween(a, b string) (float64, error) {
	return DistanceBetween(a, b)
}

// Outbound returns a copy of the outbound sequence.
func (m *Model) Outbound() []string {
	return append([]string(nil), m.outbound...)
}

// Inbound returns a copy of the inbound sequence.
func (m *Model) Inbound() []string {
	return append([]string(nil), m.inbound...)
}

func (m *Model) String() string {
	return fmt.Sprintf("outbound[%s] inbound[%s] offset=%d",
		strings.Join(m.outbound, ","), strings.Join(m.inbound, ","), m.offset)
}
