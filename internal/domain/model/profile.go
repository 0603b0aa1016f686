package model

import "time"

// Profile is an athlete as seen by scoring. Reputation is derived, never edited directly.
type Profile struct {
	AthleteID           string    `json:"athlete_id"`
	DisplayName         string    `json:"display_name"`
	IdentityVerified    bool      `json:"identity_verified"`
	Reputation          int       `json:"reputation"`
	ReputationUpdatedAt time.Time `json:"reputation_updated_at"`
}
