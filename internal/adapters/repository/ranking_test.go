package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/okian/trustrep/internal/adapters/repository"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRankIndex(t *testing.T) {
	Convey("Given a rank index", t, func() {
		ctx := context.Background()
		idx := repository.NewRankIndex()

		Convey("An empty index has no entries", func() {
			top, err := idx.TopN(ctx, 10)
			So(err, ShouldBeNil)
			So(top, ShouldBeEmpty)
			So(idx.Count(ctx), ShouldEqual, 0)
			_, err = idx.Rank(ctx, "nobody")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Entries are ordered by score then id", func() {
			So(idx.Set(ctx, "b", 70), ShouldBeNil)
			So(idx.Set(ctx, "a", 70), ShouldBeNil)
			So(idx.Set(ctx, "c", 90), ShouldBeNil)
			So(idx.Set(ctx, "d", 10), ShouldBeNil)

			top, err := idx.TopN(ctx, 3)
			So(err, ShouldBeNil)
			So(len(top), ShouldEqual, 3)
			So(top[0].AthleteID, ShouldEqual, "c")
			So(top[0].Rank, ShouldEqual, 1)
			So(top[1].AthleteID, ShouldEqual, "a")
			So(top[2].AthleteID, ShouldEqual, "b")
			So(top[1].Rank, ShouldEqual, 2)
			So(top[2].Rank, ShouldEqual, 2)

			e, err := idx.Rank(ctx, "d")
			So(err, ShouldBeNil)
			So(e.Rank, ShouldEqual, 4)
			So(e.Score, ShouldEqual, 10)
		})

		Convey("Set replaces scores in both directions", func() {
			So(idx.Set(ctx, "a", 50), ShouldBeNil)
			So(idx.Set(ctx, "b", 60), ShouldBeNil)
			So(idx.Set(ctx, "b", 40), ShouldBeNil)

			e, err := idx.Rank(ctx, "a")
			So(err, ShouldBeNil)
			So(e.Rank, ShouldEqual, 1)
			So(idx.Count(ctx), ShouldEqual, 2)

			idx.Remove(ctx, "a")
			e, err = idx.Rank(ctx, "b")
			So(err, ShouldBeNil)
			So(e.Rank, ShouldEqual, 1)
			So(idx.Count(ctx), ShouldEqual, 1)
		})

		Convey("Invalid input is rejected", func() {
			_, err := idx.TopN(ctx, 0)
			So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
			So(errors.Is(idx.Set(ctx, "", 1), repository.ErrEmptyID), ShouldBeTrue)
		})

		Convey("Many updates keep rank consistent with a sorted view", func() {
			scores := map[string]int{}
			for i := 0; i < 500; i++ {
				id := fmt.Sprintf("ath-%03d", i%120)
				score := (i * 37) % 101
				scores[id] = score
				So(idx.Set(ctx, id, score), ShouldBeNil)
			}
			ids := make([]string, 0, len(scores))
			for id := range scores {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				if scores[ids[i]] != scores[ids[j]] {
					return scores[ids[i]] > scores[ids[j]]
				}
				return ids[i] < ids[j]
			})
			top, err := idx.TopN(ctx, len(ids))
			So(err, ShouldBeNil)
			So(len(top), ShouldEqual, len(ids))
			for i, e := range top {
				So(e.AthleteID, ShouldEqual, ids[i])
				r, err := idx.Rank(ctx, e.AthleteID)
				So(err, ShouldBeNil)
				So(r.Rank, ShouldEqual, e.Rank)
			}
		})

		Convey("Load seeds the index", func() {
			So(idx.Load(ctx, map[string]int{"x": 5, "y": 6}), ShouldBeNil)
			e, err := idx.Rank(ctx, "y")
			So(err, ShouldBeNil)
			So(e.Rank, ShouldEqual, 1)
		})
	})
}
