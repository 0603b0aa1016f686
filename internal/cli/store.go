package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/trustrep/internal/adapters/export"
	"github.com/okian/trustrep/internal/adapters/repository"
	"github.com/okian/trustrep/internal/config"
	"github.com/okian/trustrep/pkg/logger"
)

// dbOptions overrides the configured database.
type dbOptions struct {
	backend string
	dsn     string
}

func (d *dbOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.backend, "db-backend", "", "database backend, defaults to TRUSTREP_DB_BACKEND")
	cmd.Flags().StringVar(&d.dsn, "db-dsn", "", "database DSN, defaults to TRUSTREP_DB_DSN")
}

// resolve loads the server configuration and applies the flag overrides.
func (d *dbOptions) resolve(ctx context.Context) (repository.Backend, string, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return "", "", err
	}
	name, dsn := cfg.DBBackend, cfg.DBDSN
	if d.backend != "" {
		name = d.backend
	}
	if d.dsn != "" {
		dsn = d.dsn
	}
	backend, err := repository.ParseBackend(name)
	if err != nil {
		return "", "", err
	}
	return backend, dsn, nil
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		db  dbOptions
		dir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write assets and profiles to Parquet files",
		Long: `Open the configured database and write every asset and profile as
Parquet into --dir. The server does not need to be running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			backend, dsn, err := db.resolve(ctx)
			if err != nil {
				return err
			}
			store, err := repository.Open(ctx, backend, dsn,
				repository.WithLogger(logger.Named("repository")))
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			summary, err := export.New(store).WriteDir(ctx, dir)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if opts.output == FormatJSON {
				return p.json(summary)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d assets to %s\nwrote %d profiles to %s\n",
				summary.Assets, summary.AssetsPath, summary.Profiles, summary.ProfilesPath)
			return err
		},
	}
	db.bind(cmd)
	cmd.Flags().StringVarP(&dir, "dir", "d", "export", "output directory")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var (
		db     dbOptions
		target int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move the database schema to a version",
		Long: `Apply schema migrations to the configured SQL database.

  --target -1   migrate to the latest version (default)
  --target 0    roll every migration back
  --target N    migrate up or down to version N`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()

			backend, dsn, err := db.resolve(ctx)
			if err != nil {
				return err
			}
			if backend == repository.BackendMemory {
				return fmt.Errorf("%w: the memory backend has no schema", ErrBadArgument)
			}
			conn, err := repository.OpenDB(ctx, backend, dsn)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			version, err := repository.Migrate(conn, backend, target)
			if err != nil {
				return err
			}
			logger.Named("migrate").Info(ctx, "schema migrated",
				logger.String("backend", string(backend)), logger.Int64("version", int64(version)))
			if opts.output == FormatJSON {
				return opts.printer(cmd).json(map[string]any{"backend": backend, "version": version})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", backend, version)
			return err
		},
	}
	db.bind(cmd)
	cmd.Flags().IntVar(&target, "target", -1, "schema version, -1 for latest")
	return cmd
}
