// Package types contains common types used across the application
package types

// Entry represents a reputation leaderboard entry
type Entry struct {
	Rank      int    `json:"rank"`
	AthleteID string `json:"athlete_id"`
	Score     int    `json:"score"`
}

// Breakdown is the per-term view of a reputation computation.
type Breakdown struct {
	AthleteID   string  `json:"athlete_id"`
	Foundation  float64 `json:"foundation"`
	Video       float64 `json:"video"`
	Audio       float64 `json:"audio"`
	Consistency float64 `json:"consistency"`
	Streak      int     `json:"streak_months"`
	Score       int     `json:"score"`
}
