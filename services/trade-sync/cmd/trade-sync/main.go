// services/trade-sync/cmd/trade-sync/main.go
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/configloader"
	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/common/shutdown"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/app"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/config"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
)

type globalFlags struct {
	configPath string
	envFiles   []string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "config/config.yaml", "path to config file (empty → env + defaults)")
	fs.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, ".env files loaded before config")
}

// load: .env → конфиг → логгер.
func (g *globalFlags) load() (*config.Config, *logger.Logger, error) {
	if err := configloader.LoadDotEnv(g.envFiles...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config load error: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init error: %w", err)
	}
	return cfg, log, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "trade-sync",
		Short:         "Private trade execution ingestion and holdings reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.register(root.PersistentFlags())
	root.AddCommand(newRunCmd(g), newHoldingsCmd(g), newConfigCmd(g))
	return root
}

func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start connectors for all configured accounts and serve the reporting API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.Logging.DevMode {
				_ = cfg.Print(cmd.ErrOrStderr())
			}

			log.Info("starting trade-sync service",
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
				zap.String("config.path", g.configPath),
			)

			ctx, cancel := shutdown.SignalContext(cmd.Context())
			defer cancel()

			if err := app.Run(ctx, cfg, log); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// errMemoryHoldings — снимок memory-драйвера живёт только в процессе `run`.
var errMemoryHoldings = errors.New("holdings: memory driver cannot be read from the CLI; use postgres or redis, or GET /api/v1/holdings of the running service")

func newHoldingsCmd(g *globalFlags) *cobra.Command {
	var user, exch string
	cmd := &cobra.Command{
		Use:   "holdings",
		Short: "Print the current holdings snapshot from the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.Holdings.Driver == holdings.DriverMemory {
				return errMemoryHoldings
			}
			ctx := cmd.Context()
			cfg.Holdings.Postgres.SkipMigrations = true
			store, err := holdings.Open(ctx, cfg.Holdings, log)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.ReadAll(ctx)
			if err != nil {
				return err
			}
			return printHoldings(cmd.OutOrStdout(), rows, user, exch)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only rows of this user")
	cmd.Flags().StringVar(&exch, "exchange", "", "only rows of this exchange")
	return cmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration without secrets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			return cfg.Print(cmd.OutOrStdout())
		},
	}
}

func printHoldings(w io.Writer, rows []holdings.Row, user, exch string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tEXCHANGE\tASSET\tOWNED\tUSD")
	for _, r := range rows {
		if user != "" && r.User != user {
			continue
		}
		if exch != "" && !strings.EqualFold(r.Exchange, exch) {
			continue
		}
		usd := "-"
		if r.USDValue != nil {
			usd = r.USDValue.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.User, r.Exchange, r.Asset, r.Owned.String(), usd)
	}
	return tw.Flush()
}
