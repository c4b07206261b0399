package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"portbroker/internal/config"
	"portbroker/internal/convert"
	"portbroker/internal/crypto"
	"portbroker/internal/db"
	"portbroker/internal/gateway"
	"portbroker/internal/registry"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	headColor = color.New(color.FgBlue)
)

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [routing-file]",
		Short: "Check a routing configuration without serving it",
		Long:  `Load the routing file (or the source ROUTING_FILE / MYSQL_DSN selects) and report every problem that would stop it from being published.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, closeFn, err := opts.source(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer closeFn()
			return runValidate(cmd.Context(), cmd.OutOrStdout(), src)
		},
	}
}

func runValidate(ctx context.Context, w io.Writer, src registry.Source) error {
	cfg, err := src.Load(ctx)
	if err != nil {
		failColor.Fprintf(w, "FAIL %v\n", err)
		return err
	}

	headColor.Fprintln(w, "Providers:")
	for _, p := range cfg.Providers {
		fmt.Fprintf(w, "  %-15s %-10s active=%-5v priority=%-3d %s\n", p.ID, p.Shape, p.Active, p.Priority, p.BaseURL)
	}
	headColor.Fprintln(w, "Strategies:")
	for _, st := range cfg.Strategies {
		n := len(st.Candidates)
		for _, c := range st.Tiers {
			n += len(c)
		}
		fmt.Fprintf(w, "  %-15s %-7s active=%-5v candidates=%d\n", st.ID, st.Layout, st.Active, n)
	}

	if err := registry.Validate(cfg); err != nil {
		failColor.Fprintf(w, "FAIL %v\n", err)
		return errors.New("routing configuration is invalid")
	}
	okColor.Fprintf(w, "OK %d provider(s), %d strategy(ies)\n", len(cfg.Providers), len(cfg.Strategies))
	return nil
}

// source picks the routing file from args, falling back to the
// environment.
func (o *options) source(ctx context.Context, args []string) (registry.Source, func(), error) {
	if len(args) == 1 {
		return config.FileSource{Path: args[0]}, func() {}, nil
	}
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, nil, err
	}
	return openSource(ctx, cfg, false)
}

func newRouteCommand(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "route <model>",
		Short: "Show the candidates a model name would be tried against",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeFn, err := opts.loadRouting(cmd.Context(), file)
			if err != nil {
				return err
			}
			defer closeFn()
			return runRoute(cmd.OutOrStdout(), gateway.New(gateway.Options{Registry: reg}), args[0])
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "routing file (default: the configured source)")
	return cmd
}

func runRoute(w io.Writer, gw *gateway.Gateway, model string) error {
	key := convert.ResolveTier(model)
	headColor.Fprintf(w, "%s -> %s\n", model, key)

	cands, snap, err := gw.Plan(key)
	if err != nil {
		failColor.Fprintf(w, "  no route: %v\n", err)
		return err
	}
	for i, c := range cands {
		p, _ := snap.ByID(c.ProviderID)
		fmt.Fprintf(w, "  %d. %-15s %-10s %-30s timeout=%s\n", i+1, p.ID, p.Shape, c.Model, p.Timeout)
	}
	return nil
}

func newModelsCommand(opts *options) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "models <provider-id>",
		Short: "List the models a provider reports upstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeFn, err := opts.loadRouting(cmd.Context(), file)
			if err != nil {
				return err
			}
			defer closeFn()

			gw := gateway.New(gateway.Options{Registry: reg, Client: &http.Client{Timeout: timeout}})
			return runModels(cmd.Context(), cmd.OutOrStdout(), gw, args[0])
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "routing file (default: the configured source)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "upstream request timeout")
	return cmd
}

func runModels(ctx context.Context, w io.Writer, gw *gateway.Gateway, providerID string) error {
	ids, err := gw.UpstreamModels(ctx, providerID)
	if err != nil {
		return err
	}
	p, _ := gw.Registry().ByID(providerID)
	headColor.Fprintf(w, "%s (%d models)\n", providerID, len(ids))
	for _, id := range ids {
		mark := " "
		if p.Serves(id) {
			mark = "*"
		}
		fmt.Fprintf(w, " %s %s\n", mark, id)
	}
	return nil
}

func newSealCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seal <provider-id>",
		Short: "Encrypt a provider API key for the providers table",
		Long:  `Read an API key from stdin and print it sealed with KEY_ENC_MASTER_B64 for the given provider, base64 encoded.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(opts.envFile); err != nil {
				return err
			}
			return runSeal(cmd.InOrStdin(), cmd.OutOrStdout(), os.Getenv("KEY_ENC_MASTER_B64"), args[0])
		},
	}
}

func runSeal(in io.Reader, w io.Writer, masterKey, providerID string) error {
	if strings.TrimSpace(masterKey) == "" {
		return errors.New("KEY_ENC_MASTER_B64 is not set")
	}
	sealer, err := crypto.NewSealerFromBase64Key(strings.TrimSpace(masterKey))
	if err != nil {
		return err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return errors.New("no key on stdin")
	}
	enc, err := sealer.SealString(providerID, secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, enc)
	return nil
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the routing schema to MYSQL_DSN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnv(opts.envFile); err != nil {
				return err
			}
			dsn := strings.TrimSpace(os.Getenv("MYSQL_DSN"))
			if dsn == "" {
				return errors.New("MYSQL_DSN is not set")
			}
			sqlDB, err := db.Open(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer sqlDB.Close()
			if err := db.Migrate(cmd.Context(), sqlDB); err != nil {
				return err
			}
			versions, _ := db.Versions()
			okColor.Fprintf(cmd.OutOrStdout(), "schema up to date (%d migration(s))\n", len(versions))
			return nil
		},
	}
}
