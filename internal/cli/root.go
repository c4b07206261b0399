// Package cli is the portbroker command line: the gateway server plus the
// operator commands around its routing configuration.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"portbroker/internal/config"
	"portbroker/internal/crypto"
	"portbroker/internal/db"
	"portbroker/internal/registry"
	"portbroker/internal/store"
)

const (
	AppName = "portbroker"
	Version = "0.1.0"
)

type options struct {
	envFile string
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           AppName,
		Short:         "PortBroker - LLM gateway for Anthropic and OpenAI clients",
		Long:          `An LLM gateway that accepts Anthropic Messages and OpenAI Chat Completions requests and serves them from interchangeable upstream providers with tiered routing and failover.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCommand(opts),
		newValidateCommand(opts),
		newRouteCommand(opts),
		newModelsCommand(opts),
		newSealCommand(opts),
		newMigrateCommand(opts),
	)
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// openSource builds the routing source cfg selects. The returned close
// function releases the database, if one was opened.
func openSource(ctx context.Context, cfg config.Config, migrate bool) (registry.Source, func(), error) {
	if cfg.RoutingFile != "" {
		return config.FileSource{Path: cfg.RoutingFile}, func() {}, nil
	}

	sealer, err := crypto.NewSealerFromBase64Key(cfg.KeyEncMasterB64)
	if err != nil {
		return nil, nil, fmt.Errorf("master key: %w", err)
	}
	sqlDB, err := db.Open(ctx, cfg.MySQLDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if migrate {
		if err := db.Migrate(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
	}
	return store.New(sqlDB, sealer), func() { _ = sqlDB.Close() }, nil
}

// loadRouting publishes the routing config from file, or from the source
// the environment selects when file is empty.
func (o *options) loadRouting(ctx context.Context, file string) (*registry.Registry, func(), error) {
	var (
		src     registry.Source = config.FileSource{Path: file}
		closeFn                 = func() {}
	)
	if file == "" {
		cfg, err := config.Load(o.envFile)
		if err != nil {
			return nil, nil, err
		}
		if src, closeFn, err = openSource(ctx, cfg, false); err != nil {
			return nil, nil, err
		}
	}
	reg := registry.New()
	if _, err := reg.Refresh(ctx, src); err != nil {
		closeFn()
		return nil, nil, err
	}
	return reg, closeFn, nil
}
