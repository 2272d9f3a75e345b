// Package cli implements prepaidctl, the operator command line for the
// inventory reconciler.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ariefcatur/go-prepaid-orders/internal/app"
	"github.com/ariefcatur/go-prepaid-orders/internal/config"
	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
)

var rootCmd = &cobra.Command{
	Use:           "prepaidctl",
	Short:         "Operate the prepaid orders inventory reconciler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openReconciler builds a reconciler against the configured stores. Tests
// replace it with one backed by memory stores.
var openReconciler = func(ctx context.Context) (*inventory.Reconciler, config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, nil, err
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.ServiceName+"-ctl")
	recon, closeFn, err := connect(ctx, app.New(cfg, logger))
	return recon, cfg, closeFn, err
}

type connector interface {
	OpenPostgres(ctx context.Context) error
	OpenRedis(ctx context.Context) error
	Reconciler(ctx context.Context) (*inventory.Reconciler, error)
	Close()
}

// connect requires Redis as well as Postgres: the saga log lives there, and
// without it pending sagas would read as none.
func connect(ctx context.Context, c connector) (*inventory.Reconciler, func(), error) {
	if err := c.OpenPostgres(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	if err := c.OpenRedis(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	recon, err := c.Reconciler(ctx)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return recon, c.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
