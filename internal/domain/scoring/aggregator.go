package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/types"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

// Reputation terms.
const (
	verifiedPoints  = 15
	tenurePoints    = 5
	tenureAge       = 30 * 24 * time.Hour
	videoWeight     = 60
	topVideoCount   = 5
	audioPointsEach = 4
	audioPointsMax  = 12
	streakGrace     = 45 * 24 * time.Hour
	maxReputation   = 100
)

// streakPoints maps a streak length to points; five or more months earn the last entry.
var streakPoints = [...]float64{0, 0, 2, 4, 6, 8}

// AssetLister reads an athlete's assets.
type AssetLister interface {
	ListAssets(ctx context.Context, athleteID string) ([]*model.Asset, error)
}

// ProfileStore reads profiles and writes the reputation field.
type ProfileStore interface {
	GetProfile(ctx context.Context, athleteID string) (*model.Profile, error)
	SetReputation(ctx context.Context, athleteID string, score int, at time.Time) error
}

// RankIndex receives every recalculated score.
type RankIndex interface {
	Set(ctx context.Context, athleteID string, score int) error
}

// Aggregator recomputes reputation from persisted state. It holds no per-athlete
// state, so concurrent recalculations for one athlete are last write wins.
type Aggregator struct {
	assets       AssetLister
	profiles     ProfileStore
	ranks        RankIndex
	countPending bool
	now          func() time.Time
	log          logger.Logger
}

// NewAggregator creates an aggregator over the given stores.
func NewAggregator(assets AssetLister, profiles ProfileStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		assets:   assets,
		profiles: profiles,
		now:      time.Now,
		log:      logger.Get().Named("reputation"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Recalculate recomputes and persists an athlete's reputation.
func (a *Aggregator) Recalculate(ctx context.Context, athleteID string) (int, error) {
	b, err := a.RecalculateBreakdown(ctx, athleteID)
	if err != nil {
		return 0, err
	}
	return b.Score, nil
}

// RecalculateBreakdown is Recalculate returning every term of the score.
func (a *Aggregator) RecalculateBreakdown(ctx context.Context, athleteID string) (types.Breakdown, error) {
	if athleteID == "" {
		return types.Breakdown{}, ErrEmptyAthleteID
	}
	if a.assets == nil || a.profiles == nil {
		return types.Breakdown{}, ErrNoStore
	}
	profile, err := a.profiles.GetProfile(ctx, athleteID)
	if err != nil {
		metrics.RecordReputationError()
		return types.Breakdown{}, fmt.Errorf("load profile: %w", err)
	}
	assets, err := a.assets.ListAssets(ctx, athleteID)
	if err != nil {
		metrics.RecordReputationError()
		return types.Breakdown{}, fmt.Errorf("list assets: %w", err)
	}

	now := a.now()
	b := a.Compute(profile, assets, now)
	if err := a.profiles.SetReputation(ctx, athleteID, b.Score, now); err != nil {
		metrics.RecordReputationError()
		return types.Breakdown{}, fmt.Errorf("persist reputation: %w", err)
	}
	if a.ranks != nil {
		if err := a.ranks.Set(ctx, athleteID, b.Score); err != nil {
			a.log.Warn(ctx, "rank index update failed", logger.String("athlete_id", athleteID), logger.Error(err))
		}
	}
	metrics.RecordReputation(b.Score)
	a.log.Debug(ctx, "reputation recalculated",
		logger.String("athlete_id", athleteID),
		logger.Int("score", b.Score),
		logger.Int("streak", b.Streak))
	return b, nil
}

// Compute is the pure reputation formula over a snapshot of persisted state.
func (a *Aggregator) Compute(profile *model.Profile, assets []*model.Asset, now time.Time) types.Breakdown {
	now = now.UTC()
	b := types.Breakdown{}
	if profile != nil {
		b.AthleteID = profile.AthleteID
		if profile.IdentityVerified {
			b.Foundation = verifiedPoints
		}
	}

	var (
		earliest  time.Time
		qualities []float64
		audio     int
		history   []time.Time
	)
	for _, as := range assets {
		if as == nil {
			continue
		}
		switch as.Status {
		case model.StatusActive:
		case model.StatusPending:
			if a.countPending {
				history = append(history, as.ScoringTime())
			}
			continue
		default:
			continue
		}

		t := as.ScoringTime()
		history = append(history, t)
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
		switch as.Kind {
		case model.KindVideo:
			qualities = append(qualities, Quality(as.VideoMetrics()))
		case model.KindAudio:
			audio++
		}
	}

	if !earliest.IsZero() && now.Sub(earliest) >= tenureAge {
		b.Foundation += tenurePoints
	}
	b.Video = videoScore(qualities)
	b.Audio = math.Min(float64(audio*audioPointsEach), audioPointsMax)
	b.Streak = streak(history, now)
	b.Consistency = streakPoints[min(b.Streak, len(streakPoints)-1)]

	total := b.Foundation + b.Video + b.Audio + b.Consistency
	b.Score = int(clamp(math.Round(total), 0, maxReputation))
	return b
}

func videoScore(qualities []float64) float64 {
	if len(qualities) == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(qualities)))
	top := qualities[:min(len(qualities), topVideoCount)]
	var sum float64
	for _, q := range top {
		sum += q
	}
	return sum / float64(len(top)) * videoWeight
}

// streak counts consecutive calendar months, newest first, that contain at
// least one dated asset. It is 0 when the newest asset is older than the grace window.
func streak(dates []time.Time, now time.Time) int {
	if len(dates) == 0 {
		return 0
	}
	months := make(map[int]struct{}, len(dates))
	latest := dates[0]
	for _, d := range dates {
		months[monthIndex(d)] = struct{}{}
		if d.After(latest) {
			latest = d
		}
	}
	if now.Sub(latest) > streakGrace {
		return 0
	}
	n := 0
	for m := monthIndex(latest); ; m-- {
		if _, ok := months[m]; !ok {
			break
		}
		n++
	}
	return n
}

func monthIndex(t time.Time) int {
	t = t.UTC()
	return t.Year()*12 + int(t.Month()) - 1
}
