// Package export writes assets and athlete profiles to Parquet files for
// offline analysis using github.com/parquet-go/parquet-go.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/scoring"
	"github.com/parquet-go/parquet-go"
)

// File names written by Exporter.WriteDir.
const (
	AssetsFile   = "assets.parquet"
	ProfilesFile = "profiles.parquet"
)

// ErrNoDir is returned when WriteDir receives an empty directory.
var ErrNoDir = errors.New("export directory is required")

// AssetRow is one asset flattened for columnar storage. Video columns are
// null for audio assets and for assets that were never analysed.
type AssetRow struct {
	AssetID        string     `parquet:"asset_id,snappy"`
	AthleteID      string     `parquet:"athlete_id,snappy,dict"`
	Kind           string     `parquet:"kind,snappy,dict"`
	Status         string     `parquet:"status,snappy,dict"`
	StorageURL     string     `parquet:"storage_url,snappy"`
	RegistrationID *string    `parquet:"registration_id,optional,snappy"`
	CreatedAt      time.Time  `parquet:"created_at,snappy"`
	ActivatedAt    *time.Time `parquet:"activated_at,optional,snappy"`

	DurationSeconds *float64 `parquet:"duration_seconds,optional,snappy"`
	RepCount        *int32   `parquet:"rep_count,optional,snappy"`
	RangeOfMotion   *float64 `parquet:"range_of_motion,optional,snappy"`
	Consistency     *float64 `parquet:"consistency,optional,snappy"`
	Cadence         *float64 `parquet:"cadence,optional,snappy"`
	HumanConfidence *float64 `parquet:"human_confidence,optional,snappy"`
	Quality         *float64 `parquet:"quality,optional,snappy"`
	SizeBytes       *int64   `parquet:"size_bytes,optional,snappy"`
}

// ProfileRow is one athlete profile.
type ProfileRow struct {
	AthleteID           string    `parquet:"athlete_id,snappy"`
	DisplayName         string    `parquet:"display_name,snappy"`
	IdentityVerified    bool      `parquet:"identity_verified"`
	Reputation          int32     `parquet:"reputation,snappy"`
	ReputationUpdatedAt *time.Time `parquet:"reputation_updated_at,optional,snappy"`
}

// Source provides the rows to export.
type Source interface {
	AllAssets(ctx context.Context) ([]*model.Asset, error)
	ListProfiles(ctx context.Context) ([]*model.Profile, error)
}

// Summary reports what a WriteDir call produced.
type Summary struct {
	Assets       int    `json:"assets"`
	Profiles     int    `json:"profiles"`
	AssetsPath   string `json:"assets_path"`
	ProfilesPath string `json:"profiles_path"`
}

// Exporter reads from a Source and writes Parquet.
type Exporter struct {
	src Source
}

// New creates an Exporter.
func New(src Source) *Exporter {
	return &Exporter{src: src}
}

// WriteDir writes AssetsFile and ProfilesFile into dir, creating it if needed.
func (e *Exporter) WriteDir(ctx context.Context, dir string) (Summary, error) {
	if dir == "" {
		return Summary{}, ErrNoDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create export dir: %w", err)
	}

	assets, err := e.src.AllAssets(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list assets: %w", err)
	}
	profiles, err := e.src.ListProfiles(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list profiles: %w", err)
	}

	s := Summary{
		Assets:       len(assets),
		Profiles:     len(profiles),
		AssetsPath:   filepath.Join(dir, AssetsFile),
		ProfilesPath: filepath.Join(dir, ProfilesFile),
	}
	if err := writeFile(s.AssetsPath, AssetRows(assets)); err != nil {
		return Summary{}, err
	}
	if err := writeFile(s.ProfilesPath, ProfileRows(profiles)); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// AssetRows flattens assets into rows.
func AssetRows(assets []*model.Asset) []AssetRow {
	rows := make([]AssetRow, 0, len(assets))
	for _, a := range assets {
		row := AssetRow{
			AssetID:     a.ID,
			AthleteID:   a.AthleteID,
			Kind:        string(a.Kind),
			Status:      string(a.Status),
			StorageURL:  a.StorageURL,
			CreatedAt:   a.CreatedAt.UTC(),
			ActivatedAt: a.ActivatedAt,
		}
		if a.RegistrationID != "" {
			row.RegistrationID = ptr(a.RegistrationID)
		}
		if a.Metadata != nil {
			switch {
			case a.Metadata.Video != nil:
				v := a.Metadata.Video
				row.DurationSeconds = ptr(v.DurationSeconds)
				row.RepCount = ptr(int32(v.RepCount))
				row.RangeOfMotion = ptr(v.RangeOfMotion)
				row.Consistency = ptr(v.Consistency)
				row.Cadence = ptr(v.Cadence)
				row.HumanConfidence = ptr(v.HumanConfidence)
				row.Quality = ptr(scoring.Quality(v))
			case a.Metadata.Audio != nil:
				row.DurationSeconds = ptr(a.Metadata.Audio.DurationSeconds)
				row.SizeBytes = ptr(a.Metadata.Audio.SizeBytes)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ProfileRows converts profiles into rows.
func ProfileRows(profiles []*model.Profile) []ProfileRow {
	rows := make([]ProfileRow, 0, len(profiles))
	for _, p := range profiles {
		row := ProfileRow{
			AthleteID:        p.AthleteID,
			DisplayName:      p.DisplayName,
			IdentityVerified: p.IdentityVerified,
			Reputation:       int32(p.Reputation),
		}
		if !p.ReputationUpdatedAt.IsZero() {
			row.ReputationUpdatedAt = ptr(p.ReputationUpdatedAt.UTC())
		}
		rows = append(rows, row)
	}
	return rows
}

// Write encodes rows as one Parquet file onto w.
func Write[T any](w io.Writer, rows []T) error {
	writer := parquet.NewGenericWriter[T](w)
	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func writeFile[T any](path string, rows []T) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func ptr[T any](v T) *T { return &v }
