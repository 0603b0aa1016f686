// Package cli implements trustctl, the operator command line for a trustrep server.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/trustrep/pkg/logger"
)

const (
	// EnvServer overrides the default --server value.
	EnvServer     = "TRUSTREP_SERVER"
	defaultServer = "http://localhost:9080"

	defaultTimeout      = 10 * time.Minute
	defaultPollInterval = 2 * time.Second
	maxErrorBody        = 1 << 16

	minColumnWidth = 16
	// detailReserved is the width taken by the field column and borders.
	detailReserved = 24

	highScore = 70
	midScore  = 40
)

// BuildInfo is stamped by the linker.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	server   string
	output   string
	noColor  bool
	logLevel string
	timeout  time.Duration
}

func (o *rootOptions) client() (*Client, error) {
	return NewClient(o.server, nil)
}

func (o *rootOptions) printer(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), o.output, o.noColor)
}

// commandContext bounds a command by --timeout.
func (o *rootOptions) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// NewRootCommand builds the trustctl command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "trustctl",
		Short: "Operate a trustrep server",
		Long: `trustctl submits exercise recordings to a trustrep server and inspects
submissions, athlete reputation and the leaderboard.

Server commands talk to the HTTP API at --server. The export and migrate
commands open the configured database directly and read the same
TRUSTREP_* environment as the server.`,
		Version:       info.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.output {
			case FormatTable, FormatJSON:
			default:
				return fmt.Errorf("%w: --output must be %s or %s", ErrBadArgument, FormatTable, FormatJSON)
			}
			if err := logger.Init(logger.WithOutput(cmd.ErrOrStderr())); err != nil {
				return err
			}
			return logger.SetLevelString(opts.logLevel)
		},
	}

	server := os.Getenv(EnvServer)
	if server == "" {
		server = defaultServer
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", server, "trustrep server base URL (env "+EnvServer+")")
	pf.StringVarP(&opts.output, "output", "o", FormatTable, "output format: table or json")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pf.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall command timeout, 0 disables")

	root.AddCommand(
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newResumeCommand(opts),
		newAbandonCommand(opts),
		newAthleteCommand(opts),
		newReputationCommand(opts),
		newLeaderboardCommand(opts),
		newRankCommand(opts),
		newQualityCommand(opts),
		newStatsCommand(opts),
		newExportCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(info),
	)
	return root
}

// Execute runs trustctl with args and returns the process exit code.
func Execute(ctx context.Context, info BuildInfo, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(info)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %s\n", strings.TrimSpace(err.Error()))
		return 1
	}
	return 0
}
