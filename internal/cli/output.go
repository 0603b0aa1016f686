package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"golang.org/x/term"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/types"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// printer renders command results.
type printer struct {
	w      io.Writer
	format string
	// width is the terminal width, 0 when w is not a terminal.
	width int
}

func newPrinter(w io.Writer, format string, noColor bool) *printer {
	p := &printer{w: w, format: format}
	f, ok := w.(*os.File)
	if ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = width
		}
	} else {
		noColor = true
	}
	if noColor {
		color.NoColor = true
	}
	return p
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table(headers []string, data [][]string, align tw.Align) error {
	table := tablewriter.NewWriter(p.w)
	defer func() { _ = table.Close() }()

	table.Header(headers)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = align
	})
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("error adding table data: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("error rendering table: %w", err)
	}
	return nil
}

// truncate shortens s so a row still fits the terminal.
func (p *printer) truncate(s string, reserved int) string {
	if p.width == 0 {
		return s
	}
	room := p.width - reserved
	if room < minColumnWidth {
		room = minColumnWidth
	}
	r := []rune(s)
	if len(r) <= room {
		return s
	}
	return string(r[:room-1]) + "…"
}

func (p *printer) submission(s *Submission) error {
	if p.format == FormatJSON {
		return p.json(s)
	}
	rows := [][]string{
		{"asset", s.AssetID},
		{"athlete", s.AthleteID},
		{"kind", string(s.Kind)},
		{"stage", stageLabel(s)},
	}
	if s.FailedStage != "" {
		rows = append(rows, []string{"failed stage", string(s.FailedStage)})
	}
	if s.FailureReason != "" {
		rows = append(rows, []string{"reason", p.truncate(s.FailureReason, detailReserved)})
	}
	if s.StorageURL != "" {
		rows = append(rows, []string{"storage", s.StorageURL})
	}
	if s.RegistrationID != "" {
		rows = append(rows, []string{"registration", s.RegistrationID})
	}
	if s.TransactionRef != "" {
		rows = append(rows, []string{"transaction", s.TransactionRef})
	}
	rows = append(rows, metadataRows(s.Metadata)...)
	rows = append(rows, []string{"updated", s.UpdatedAt.Format(time.RFC3339)})
	return p.table([]string{"field", "value"}, rows, tw.AlignLeft)
}

func metadataRows(md *model.Metadata) [][]string {
	if md == nil {
		return nil
	}
	switch md.Kind {
	case model.KindVideo:
		if md.Video == nil {
			return nil
		}
		v := md.Video
		return [][]string{
			{"reps", strconv.Itoa(v.RepCount)},
			{"range of motion", formatFloat(v.RangeOfMotion)},
			{"consistency", formatFloat(v.Consistency)},
			{"cadence", formatFloat(v.Cadence) + " rpm"},
			{"human confidence", formatFloat(v.HumanConfidence)},
			{"duration", formatFloat(v.DurationSeconds) + "s"},
		}
	case model.KindAudio:
		if md.Audio == nil {
			return nil
		}
		return [][]string{
			{"duration", formatFloat(md.Audio.DurationSeconds) + "s"},
			{"size", strconv.FormatInt(md.Audio.SizeBytes, 10) + " bytes"},
		}
	}
	return nil
}

func (p *printer) athlete(a *Athlete) error {
	if p.format == FormatJSON {
		return p.json(a)
	}
	if err := p.profile(a.Profile); err != nil {
		return err
	}
	if len(a.Assets) == 0 {
		_, err := fmt.Fprintln(p.w, "no assets")
		return err
	}
	data := make([][]string, 0, len(a.Assets))
	for _, asset := range a.Assets {
		data = append(data, []string{
			asset.ID,
			string(asset.Kind),
			statusColor(asset.Status),
			asset.CreatedAt.Format(time.DateOnly),
		})
	}
	return p.table([]string{"asset", "kind", "status", "created"}, data, tw.AlignLeft)
}

func (p *printer) profile(pr *model.Profile) error {
	if p.format == FormatJSON {
		return p.json(pr)
	}
	if pr == nil {
		return nil
	}
	updated := "never"
	if !pr.ReputationUpdatedAt.IsZero() {
		updated = pr.ReputationUpdatedAt.Format(time.RFC3339)
	}
	return p.table([]string{"athlete", "name", "verified", "reputation", "scored"}, [][]string{{
		pr.AthleteID,
		pr.DisplayName,
		strconv.FormatBool(pr.IdentityVerified),
		scoreColor(pr.Reputation),
		updated,
	}}, tw.AlignLeft)
}

func (p *printer) breakdown(b *types.Breakdown) error {
	if p.format == FormatJSON {
		return p.json(b)
	}
	return p.table([]string{"term", "points"}, [][]string{
		{"foundation", formatFloat(b.Foundation)},
		{"video", formatFloat(b.Video)},
		{"audio", formatFloat(b.Audio)},
		{"consistency", formatFloat(b.Consistency)},
		{"streak months", strconv.Itoa(b.Streak)},
		{"score", scoreColor(b.Score)},
	}, tw.AlignRight)
}

func (p *printer) entries(entries []types.Entry) error {
	if p.format == FormatJSON {
		if entries == nil {
			entries = []types.Entry{}
		}
		return p.json(entries)
	}
	data := make([][]string, 0, len(entries))
	for _, e := range entries {
		data = append(data, []string{strconv.Itoa(e.Rank), e.AthleteID, scoreColor(e.Score)})
	}
	return p.table([]string{"rank", "athlete", "score"}, data, tw.AlignRight)
}

func stageLabel(s *Submission) string {
	label := string(s.Stage)
	switch {
	case s.Abandoned:
		return color.New(color.FgYellow).Sprint(label + " (abandoned)")
	case s.Pending:
		return color.New(color.FgYellow).Sprint(label + " (abandon pending)")
	case s.Completed:
		return color.New(color.FgGreen).Sprint(label)
	case s.Stage == model.StageFailed:
		return color.New(color.FgRed).Sprint(label)
	default:
		return color.New(color.FgCyan).Sprint(label)
	}
}

func statusColor(s model.Status) string {
	switch s {
	case model.StatusActive:
		return color.New(color.FgGreen).Sprint(s)
	case model.StatusFailed:
		return color.New(color.FgRed).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}

func scoreColor(score int) string {
	s := strconv.Itoa(score)
	switch {
	case score >= highScore:
		return color.New(color.FgGreen).Sprint(s)
	case score >= midScore:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgRed).Sprint(s)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
