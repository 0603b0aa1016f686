package cli

import (
	"fmt"
	"sort"

	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/types"
)

func newAthleteCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "athlete",
		Short: "Manage athlete profiles",
	}

	var (
		name     string
		verified bool
	)
	set := &cobra.Command{
		Use:   "set ATHLETE_ID",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			p, err := c.UpsertAthlete(ctx, args[0], name, verified)
			if err != nil {
				return err
			}
			return opts.printer(cmd).profile(p)
		},
	}
	set.Flags().StringVarP(&name, "name", "n", "", "display name")
	set.Flags().BoolVar(&verified, "verified", false, "identity has been verified")

	get := &cobra.Command{
		Use:   "get ATHLETE_ID",
		Short: "Show a profile and its assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			a, err := c.Athlete(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.printer(cmd).athlete(a)
		},
	}

	cmd.AddCommand(set, get)
	return cmd
}

func newReputationCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reputation ATHLETE_ID",
		Short: "Recalculate an athlete's reputation and show each term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			b, err := c.Recalculate(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.printer(cmd).breakdown(b)
		},
	}
}

func newLeaderboardCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the top athletes by reputation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("%w: --limit must not be negative", ErrBadArgument)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			entries, err := c.Leaderboard(ctx, limit)
			if err != nil {
				return err
			}
			return opts.printer(cmd).entries(entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "number of entries, server default when 0")
	return cmd
}

func newRankCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rank ATHLETE_ID",
		Short: "Show one athlete's leaderboard position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			e, err := c.Rank(ctx, args[0])
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if opts.output == FormatJSON {
				return p.json(e)
			}
			return p.entries([]types.Entry{*e})
		},
	}
}

func newQualityCommand(opts *rootOptions) *cobra.Command {
	var m model.VideoMetrics
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Score video metrics without submitting a recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			q, err := c.Quality(ctx, m)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if opts.output == FormatJSON {
				return p.json(map[string]float64{"quality": q})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), formatFloat(q))
			return err
		},
	}
	f := cmd.Flags()
	f.Float64Var(&m.RangeOfMotion, "range-of-motion", 0, "range of motion in [0,1]")
	f.Float64Var(&m.Consistency, "consistency", 0, "rep consistency in [0,1]")
	f.Float64Var(&m.Cadence, "cadence", 0, "reps per minute")
	f.Float64Var(&m.HumanConfidence, "human-confidence", 0, "human confidence in [0,1]")
	f.IntVar(&m.RepCount, "reps", 0, "repetition count")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the server's counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if opts.output == FormatJSON {
				return p.json(stats)
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			data := make([][]string, 0, len(keys))
			for _, k := range keys {
				data = append(data, []string{k, fmt.Sprint(stats[k])})
			}
			return p.table([]string{"counter", "value"}, data, tw.AlignLeft)
		},
	}
}
