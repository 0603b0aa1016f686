package repository

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/trustrep/internal/domain/types"
	"github.com/okian/trustrep/pkg/metrics"
)

// RankIndex is an in-memory reputation ranking backed by a treap.
//
// Ordering is score DESC then athlete id ASC, so an in-order walk yields the
// leaderboard. Ranks are competition ranks: athletes with equal scores share
// a rank and the next distinct score skips past them.
type RankIndex struct {
	mu   sync.RWMutex
	root *node
	byID map[string]int
	rng  *rand.Rand
}

type node struct {
	id    string
	score int
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// before reports whether (aScore, aID) ranks ahead of (bScore, bID).
func before(aScore int, aID string, bScore int, bID string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, nn *node) *node {
	if n == nil {
		return nn
	}
	if before(nn.score, nn.id, n.score, n.id) {
		n.left = insert(n.left, nn)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, nn)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func remove(n *node, id string, score int) *node {
	if n == nil {
		return nil
	}
	switch {
	case n.id == id && n.score == score:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = remove(n.right, id, score)
		} else {
			n = rotateLeft(n)
			n.left = remove(n.left, id, score)
		}
	case before(score, id, n.score, n.id):
		n.left = remove(n.left, id, score)
	default:
		n.right = remove(n.right, id, score)
	}
	fix(n)
	return n
}

// countAbove returns how many nodes have a score strictly greater than score.
func countAbove(n *node, score int) int {
	c := 0
	for n != nil {
		if n.score > score {
			c += nsize(n.left) + 1
			n = n.right
		} else {
			n = n.left
		}
	}
	return c
}

func collect(n *node, limit int, out *[]types.Entry) {
	if n == nil || len(*out) >= limit {
		return
	}
	collect(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, types.Entry{AthleteID: n.id, Score: n.score})
	}
	collect(n.right, limit, out)
}

// NewRankIndex creates an empty index.
func NewRankIndex() *RankIndex {
	return &RankIndex{
		byID: make(map[string]int),
		rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)), //nolint:gosec // treap balance only
	}
}

// Set records an athlete's current score, replacing any previous value.
func (s *RankIndex) Set(_ context.Context, athleteID string, score int) error {
	if athleteID == "" {
		return ErrEmptyID
	}
	start := time.Now()
	s.mu.Lock()
	if old, ok := s.byID[athleteID]; ok {
		if old == score {
			s.mu.Unlock()
			return nil
		}
		s.root = remove(s.root, athleteID, old)
	}
	s.byID[athleteID] = score
	s.root = insert(s.root, &node{id: athleteID, score: score, prio: s.rng.Uint64(), size: 1})
	n := len(s.byID)
	s.mu.Unlock()

	metrics.UpdateRankedAthletes(n)
	metrics.RecordRepositoryLatency("rank_set", float64(time.Since(start).Microseconds())/1000)
	return nil
}

// Remove drops an athlete from the ranking.
func (s *RankIndex) Remove(_ context.Context, athleteID string) {
	s.mu.Lock()
	if old, ok := s.byID[athleteID]; ok {
		s.root = remove(s.root, athleteID, old)
		delete(s.byID, athleteID)
	}
	n := len(s.byID)
	s.mu.Unlock()
	metrics.UpdateRankedAthletes(n)
}

// Rank returns the athlete's rank and score in O(log n).
func (s *RankIndex) Rank(_ context.Context, athleteID string) (types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.byID[athleteID]
	if !ok {
		metrics.RecordErrorByComponent("ranking", "not_found")
		return types.Entry{}, ErrNotFound
	}
	return types.Entry{Rank: countAbove(s.root, score) + 1, AthleteID: athleteID, Score: score}, nil
}

// TopN returns up to n entries in leaderboard order.
func (s *RankIndex) TopN(_ context.Context, n int) ([]types.Entry, error) {
	if n < 1 {
		metrics.RecordErrorByComponent("ranking", "invalid_limit")
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Entry, 0, min(n, len(s.byID)))
	collect(s.root, n, &out)
	for i := range out {
		if i > 0 && out[i].Score == out[i-1].Score {
			out[i].Rank = out[i-1].Rank
		} else {
			out[i].Rank = i + 1
		}
	}
	return out, nil
}

// Count returns the number of ranked athletes.
func (s *RankIndex) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Load seeds the index from persisted reputations.
func (s *RankIndex) Load(ctx context.Context, scores map[string]int) error {
	for id, score := range scores {
		if err := s.Set(ctx, id, score); err != nil {
			return err
		}
	}
	return nil
}
