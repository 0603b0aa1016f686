package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
	_ "modernc.org/sqlite" // SQLite driver
)

const assetColumns = `asset_id, athlete_id, kind, status, object_path, storage_url, metadata,
	registration_id, transaction_ref, created_at, updated_at, activated_at`

// SQLStore implements Store on SQLite, PostgreSQL or MySQL.
type SQLStore struct {
	db          *sql.DB
	backend     Backend
	autoMigrate bool
	log         logger.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenDB opens and pings a database handle for the backend.
func OpenDB(ctx context.Context, backend Backend, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch backend {
	case BackendSQLite:
		if dsn == "" {
			dsn = "trustrep.db"
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database at %q: %w", dsn, err)
		}
		// A single connection avoids "database is locked" errors.
		db.SetMaxOpenConns(1)
	case BackendMySQL:
		// user:password@tcp(host:port)/dbname
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case BackendPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", backend, err)
	}
	return db, nil
}

// NewSQLStore opens the database and, unless disabled, migrates it to the latest schema.
func NewSQLStore(ctx context.Context, backend Backend, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := OpenDB(ctx, backend, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{
		db:          db,
		backend:     backend,
		autoMigrate: true,
		log:         logger.Get().Named("repository"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.autoMigrate {
		v, err := Migrate(db, backend, -1)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.log.Info(ctx, "schema ready", logger.String("backend", string(backend)), logger.Int("version", int(v)))
	}
	return s, nil
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.backend != BackendPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert builds a dialect-specific insert-or-update on key.
func (s *SQLStore) upsert(table, key string, cols, update []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks)
	sets := make([]string, len(update))
	if s.backend == BackendMySQL {
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = new.%s", c, c)
		}
		return insert + " AS new ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return s.rebind(fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", insert, key, strings.Join(sets, ", ")))
}

func observe(op string, start time.Time) {
	metrics.RecordRepositoryLatency(op, float64(time.Since(start).Microseconds())/1000)
}

// exists reports whether a row with key = id exists in table.
func (s *SQLStore) exists(ctx context.Context, table, key, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", table, key)), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// requireRow maps an update that touched no rows to ErrNotFound. MySQL reports
// unchanged rows as unaffected, so absence is confirmed with a lookup.
func (s *SQLStore) requireRow(ctx context.Context, res sql.Result, table, key, id string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	ok, err := s.exists(ctx, table, key, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %q: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound)
	}
	return nil
}

// CreateAsset implements AssetStore.
func (s *SQLStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	defer observe("create_asset", time.Now())
	if a == nil || a.ID == "" {
		return ErrEmptyID
	}
	md, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.AthleteID, string(a.Kind), string(a.Status), a.ObjectPath, a.StorageURL, md,
		a.RegistrationID, a.TransactionRef, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(), nullMillis(a.ActivatedAt))
	if err != nil {
		if ok, lookupErr := s.exists(ctx, "assets", "asset_id", a.ID); lookupErr == nil && ok {
			return fmt.Errorf("asset %q: %w", a.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// GetAsset implements AssetStore.
func (s *SQLStore) GetAsset(ctx context.Context, assetID string) (*model.Asset, error) {
	defer observe("get_asset", time.Now())
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+assetColumns+` FROM assets WHERE asset_id = ?`), assetID)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %q: %w", assetID, ErrNotFound)
	}
	return a, err
}

// UpdateMetadata implements AssetStore.
func (s *SQLStore) UpdateMetadata(ctx context.Context, assetID string, md *model.Metadata) error {
	defer observe("update_metadata", time.Now())
	raw, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE assets SET metadata = ?, updated_at = ? WHERE asset_id = ?`),
		raw, time.Now().UnixMilli(), assetID)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return s.requireRow(ctx, res, "assets", "asset_id", assetID)
}

// ActivateAsset implements AssetStore.
func (s *SQLStore) ActivateAsset(ctx context.Context, assetID, registrationID, transactionRef string, at time.Time) error {
	defer observe("activate_asset", time.Now())
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE assets
		SET status = ?, registration_id = ?, transaction_ref = ?, activated_at = ?, updated_at = ?
		WHERE asset_id = ?`),
		string(model.StatusActive), registrationID, transactionRef, at.UnixMilli(), at.UnixMilli(), assetID)
	if err != nil {
		return fmt.Errorf("activate asset: %w", err)
	}
	return s.requireRow(ctx, res, "assets", "asset_id", assetID)
}

// FailAsset implements AssetStore.
func (s *SQLStore) FailAsset(ctx context.Context, assetID string, at time.Time) error {
	defer observe("fail_asset", time.Now())
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE assets SET status = ?, updated_at = ? WHERE asset_id = ?`),
		string(model.StatusFailed), at.UnixMilli(), assetID)
	if err != nil {
		return fmt.Errorf("fail asset: %w", err)
	}
	return s.requireRow(ctx, res, "assets", "asset_id", assetID)
}

// ListAssets implements AssetStore.
func (s *SQLStore) ListAssets(ctx context.Context, athleteID string) ([]*model.Asset, error) {
	defer observe("list_assets", time.Now())
	return s.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE athlete_id = ? ORDER BY created_at, asset_id`, athleteID)
}

// AllAssets implements AssetStore.
func (s *SQLStore) AllAssets(ctx context.Context) ([]*model.Asset, error) {
	defer observe("all_assets", time.Now())
	return s.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at, asset_id`)
}

func (s *SQLStore) queryAssets(ctx context.Context, q string, args ...any) ([]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertProfile implements ProfileStore.
func (s *SQLStore) UpsertProfile(ctx context.Context, p *model.Profile) error {
	defer observe("upsert_profile", time.Now())
	if p == nil || p.AthleteID == "" {
		return ErrEmptyID
	}
	q := s.upsert("athletes", "athlete_id",
		[]string{"athlete_id", "display_name", "identity_verified"},
		[]string{"display_name", "identity_verified"})
	if _, err := s.db.ExecContext(ctx, q, p.AthleteID, p.DisplayName, boolToInt(p.IdentityVerified)); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile implements ProfileStore.
func (s *SQLStore) GetProfile(ctx context.Context, athleteID string) (*model.Profile, error) {
	defer observe("get_profile", time.Now())
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT athlete_id, display_name, identity_verified, reputation, reputation_updated_at
		FROM athletes WHERE athlete_id = ?`), athleteID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("athlete %q: %w", athleteID, ErrNotFound)
	}
	return p, err
}

// SetReputation implements ProfileStore.
func (s *SQLStore) SetReputation(ctx context.Context, athleteID string, score int, at time.Time) error {
	defer observe("set_reputation", time.Now())
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE athletes SET reputation = ?, reputation_updated_at = ? WHERE athlete_id = ?`),
		score, at.UnixMilli(), athleteID)
	if err != nil {
		return fmt.Errorf("set reputation: %w", err)
	}
	return s.requireRow(ctx, res, "athletes", "athlete_id", athleteID)
}

// ListProfiles implements ProfileStore.
func (s *SQLStore) ListProfiles(ctx context.Context) ([]*model.Profile, error) {
	defer observe("list_profiles", time.Now())
	rows, err := s.db.QueryContext(ctx, `SELECT athlete_id, display_name, identity_verified, reputation, reputation_updated_at
		FROM athletes ORDER BY athlete_id`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveCheckpoint implements CheckpointStore.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	defer observe("save_checkpoint", time.Now())
	if cp == nil || cp.AssetID == "" {
		return ErrEmptyID
	}
	state, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	q := s.upsert("submission_checkpoints", "asset_id",
		[]string{"asset_id", "athlete_id", "stage", "completed", "state", "updated_at"},
		[]string{"stage", "completed", "state", "updated_at"})
	_, err = s.db.ExecContext(ctx, q, cp.AssetID, cp.AthleteID, string(cp.Stage), boolToInt(cp.Completed),
		string(state), cp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *SQLStore) LoadCheckpoint(ctx context.Context, assetID string) (*model.Checkpoint, error) {
	defer observe("load_checkpoint", time.Now())
	var state string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM submission_checkpoints WHERE asset_id = ?`), assetID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %q: %w", assetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint(state)
}

// ListCheckpoints implements CheckpointStore.
func (s *SQLStore) ListCheckpoints(ctx context.Context, incompleteOnly bool) ([]*model.Checkpoint, error) {
	defer observe("list_checkpoints", time.Now())
	q := `SELECT state FROM submission_checkpoints`
	var args []any
	if incompleteOnly {
		q += ` WHERE completed = ?`
		args = append(args, 0)
	}
	q += ` ORDER BY updated_at, asset_id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Checkpoint
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		cp, err := decodeCheckpoint(state)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (*model.Asset, error) {
	var (
		a                model.Asset
		kind, status     string
		md               sql.NullString
		created, updated int64
		activated        sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.AthleteID, &kind, &status, &a.ObjectPath, &a.StorageURL, &md,
		&a.RegistrationID, &a.TransactionRef, &created, &updated, &activated); err != nil {
		return nil, err
	}
	a.Kind = model.Kind(kind)
	a.Status = model.Status(status)
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	if activated.Valid {
		t := time.UnixMilli(activated.Int64).UTC()
		a.ActivatedAt = &t
	}
	if md.Valid && md.String != "" {
		var m model.Metadata
		if err := json.Unmarshal([]byte(md.String), &m); err != nil {
			return nil, fmt.Errorf("decode metadata of asset %q: %w", a.ID, err)
		}
		a.Metadata = &m
	}
	return &a, nil
}

func scanProfile(row scanner) (*model.Profile, error) {
	var (
		p        model.Profile
		verified int
		updated  int64
	)
	if err := row.Scan(&p.AthleteID, &p.DisplayName, &verified, &p.Reputation, &updated); err != nil {
		return nil, err
	}
	p.IdentityVerified = verified != 0
	if updated > 0 {
		p.ReputationUpdatedAt = time.UnixMilli(updated).UTC()
	}
	return &p, nil
}

func decodeCheckpoint(state string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(state), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func encodeMetadata(md *model.Metadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
