package scoring

import "errors"

// Sentinel errors for reputation recalculation.
var (
	ErrEmptyAthleteID = errors.New("athlete id is empty")
	ErrNoStore        = errors.New("aggregator has no backing store")
)
