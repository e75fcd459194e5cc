package route

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrMalformedMark is returned when a token does not match K<km>+<mmm>.
	ErrMalformedMark = errors.New("malformed mark")
	// ErrUnknownRoutePosition is returned when a token is on neither direction of the route.
	ErrUnknownRoutePosition = errors.New("unknown route position")
	// ErrAmbiguousRoute is returned when a route configuration repeats a token.
	ErrAmbiguousRoute = errors.New("ambiguous route")
)

var markPattern = regexp.MustCompile(`^K(\d+)\+(\d{3})$`)

// Mark is a parsed route position token such as K0001+300.
type Mark struct {
	Token  string
	Km     int
	Meters int
}

// ParseMark validates a token and splits it into kilometre and metre parts.
// Surrounding whitespace is ignored.
func ParseMark(token string) (Mark, error) {
	s := strings.TrimSpace(token)
	m := markPattern.FindStringSubmatch(s)
	if m == nil {
		return Mark{}, fmt.Errorf("%w: %q", ErrMalformedMark, token)
	}
	km, err := strconv.Atoi(m[1])
	if err != nil {
		return Mark{}, fmt.Errorf("%w: %q: %v", ErrMalformedMark, token, err)
	}
	meters, _ := strconv.Atoi(m[2])
	return Mark{Token: s, Km: km, Meters: meters}, nil
}

// Distance returns the position in kilometres.
func (m Mark) Distance() float64 {
	return float64(m.Km) + float64(m.Meters)/1000.0
}

// String returns the canonical token.
func (m Mark) String() string {
	return m.Token
}

// DistanceOf returns km + meters/1000 for a token.
func DistanceOf(token string) (float64, error) {
	m, err := ParseMark(token)
	if err != nil {
		return 0, err
	}
	return m.Distance(), nil
}

// DistanceBetween returns the absolute distance between two tokens in kilometres.
func DistanceBetween(a, b string) (float64, error) {
	da, err := DistanceOf(a)
	if err != nil {
		return 0, err
	}
	db, err := DistanceOf(b)
	if err != nil {
		return 0, err
	}
	return math.Abs(da - db), nil
}
