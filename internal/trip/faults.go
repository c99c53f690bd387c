package trip

import (
	"errors"

	"github.com/tripscope/tripscope/internal/spatial"
)

// Extraction errors.
var (
	ErrInsufficientPoints     = errors.New("trip has fewer than two points")
	ErrNonMonotonicTimestamps = errors.New("trip timestamps decrease")
	ErrDegenerateTrip         = errors.New("trip has non-positive duration")
)

// ErrMalformedRecord marks an input row that could not be parsed into a
// Point. It lives here so every per-record fault shares one taxonomy.
var ErrMalformedRecord = errors.New("malformed record")

// FaultKind names a per-record fault in run reports.
type FaultKind string

const (
	FaultInvalidCoordinate      FaultKind = "INVALID_COORDINATE"
	FaultMalformedRecord        FaultKind = "MALFORMED_RECORD"
	FaultInsufficientPoints     FaultKind = "INSUFFICIENT_POINTS"
	FaultNonMonotonicTimestamps FaultKind = "NON_MONOTONIC_TIMESTAMPS"
	FaultDegenerateTrip         FaultKind = "DEGENERATE_TRIP"
	FaultUnknown                FaultKind = "UNKNOWN"
)

// FaultKinds lists every known kind in report order.
var FaultKinds = []FaultKind{
	FaultInvalidCoordinate,
	FaultMalformedRecord,
	FaultInsufficientPoints,
	FaultNonMonotonicTimestamps,
	FaultDegenerateTrip,
}

// Classify maps a per-record error to its FaultKind.
func Classify(err error) FaultKind {
	switch {
	case errors.Is(err, spatial.ErrInvalidCoordinate):
		return FaultInvalidCoordinate
	case errors.Is(err, ErrMalformedRecord):
		return FaultMalformedRecord
	case errors.Is(err, ErrInsufficientPoints):
		return FaultInsufficientPoints
	case errors.Is(err, ErrNonMonotonicTimestamps):
		return FaultNonMonotonicTimestamps
	case errors.Is(err, ErrDegenerateTrip):
		return FaultDegenerateTrip
	default:
		return FaultUnknown
	}
}
