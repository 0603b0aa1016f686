package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/trustrep/internal/domain/model"
)

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		req      SubmitRequest
		ctxPairs []string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Upload a recording for an athlete",
		Long: `Upload a video or audio recording. The server answers as soon as the
submission is queued; --wait polls until it completes, fails or is abandoned.

Context pairs such as --context exercise=squat are forwarded to the registry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Path = args[0]
			req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
			if req.Kind == "" {
				req.Kind = kindFromExtension(req.Path)
			}
			kv, err := parsePairs(ctxPairs)
			if err != nil {
				return err
			}
			req.Context = kv

			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			s, err := c.Submit(ctx, req)
			if err != nil {
				return err
			}
			if wait {
				if s, err = waitForSubmission(ctx, c, s, time.Time{}, interval, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			if err := opts.printer(cmd).submission(s); err != nil {
				return err
			}
			return failedError(s)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.AthleteID, "athlete", "a", "", "athlete id (required)")
	f.StringVarP(&req.Kind, "kind", "k", "", "video or audio, guessed from the file extension when empty")
	f.StringArrayVarP(&ctxPairs, "context", "c", nil, "context pair key=value, repeatable")
	f.BoolVarP(&wait, "wait", "w", false, "wait until the submission settles")
	f.DurationVar(&interval, "poll-interval", defaultPollInterval, "status poll interval with --wait")
	_ = cmd.MarkFlagRequired("athlete")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status ASSET_ID",
		Short: "Show a submission's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			s, err := c.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if wait {
				if s, err = waitForSubmission(ctx, c, s, time.Time{}, interval, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			return opts.printer(cmd).submission(s)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the submission settles")
	cmd.Flags().DurationVar(&interval, "poll-interval", defaultPollInterval, "status poll interval with --wait")
	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resume ASSET_ID",
		Short: "Retry a failed or interrupted submission from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			s, err := c.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			if wait {
				if s, err = waitForSubmission(ctx, c, s, s.UpdatedAt, interval, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			if err := opts.printer(cmd).submission(s); err != nil {
				return err
			}
			return failedError(s)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the submission settles")
	cmd.Flags().DurationVar(&interval, "poll-interval", defaultPollInterval, "status poll interval with --wait")
	return cmd
}

func newAbandonCommand(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon ASSET_ID",
		Short: "Give a submission up; its asset is marked failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			s, err := c.Abandon(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return opts.printer(cmd).submission(s)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded on the checkpoint")
	return cmd
}

// waitForSubmission polls until s settles, reporting each stage change to progress.
// A failure recorded at or before since is the one being retried and does not count.
func waitForSubmission(ctx context.Context, c *Client, s *Submission, since time.Time, interval time.Duration, progress io.Writer) (*Submission, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.Stage
	_, _ = fmt.Fprintf(progress, "%s: %s\n", s.AssetID, last)
	settled := func(s *Submission) bool {
		if s.Completed || s.Abandoned {
			return true
		}
		return s.Stage == model.StageFailed && s.UpdatedAt.After(since)
	}
	for !settled(s) {
		select {
		case <-ctx.Done():
			return s, fmt.Errorf("%w: %s still at %s: %w", ErrNotTerminal, s.AssetID, s.Stage, ctx.Err())
		case <-ticker.C:
		}
		next, err := c.Status(ctx, s.AssetID)
		if err != nil {
			return s, err
		}
		s = next
		if s.Stage != last {
			last = s.Stage
			_, _ = fmt.Fprintf(progress, "%s: %s\n", s.AssetID, last)
		}
	}
	return s, nil
}

// failedError turns a failed submission into a non-zero exit.
func failedError(s *Submission) error {
	if s.Stage != model.StageFailed {
		return nil
	}
	return fmt.Errorf("%w: %s failed at %s: %s", ErrSubmissionFailed, s.AssetID, s.FailedStage, s.FailureReason)
}

func kindFromExtension(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "mp3", "wav", "m4a", "aac", "ogg", "oga", "opus", "flac", "weba":
		return string(model.KindAudio)
	default:
		return string(model.KindVideo)
	}
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: context %q is not key=value", ErrBadArgument, p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
