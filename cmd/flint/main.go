package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flint/internal/apperr"
	"flint/internal/logging"
	"flint/pkg/flint"
)

const defaultOutDir = "flint-out"

// globals are the persistent flags shared by every subcommand.
type globals struct {
	out       string
	store     string
	verbosity int
	logJSON   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(apperr.ExitCode(err))
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "flint",
		Short:         "Search receptor mutations that improve ligand binding",
		Long:          "flint proposes receptor mutants, scores them with a docking program and ranks every structure it has seen.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVarP(&g.out, "out", "o", defaultOutDir, "output root for run directories and the run store")
	root.PersistentFlags().StringVar(&g.store, "store", "sqlite", "run store backend: memory|sqlite")
	root.PersistentFlags().CountVarP(&g.verbosity, "verbose", "v", "log verbosity (-v info, -vv debug)")
	root.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(
		newRunCmd(g),
		newRunsCmd(g),
		newTopCmd(g),
		newSummaryCmd(g),
		newLineageCmd(g),
	)
	return root
}

// openClient builds the logger and an initialized client for one command.
func (g *globals) openClient(ctx context.Context, verbosity int, logJSON bool) (*flint.Client, *zap.Logger, error) {
	logger, err := logging.New(min(verbosity, 2), logJSON)
	if err != nil {
		return nil, nil, apperr.Input("cli", "build logger", err)
	}
	client, err := flint.New(flint.Options{OutDir: g.out, StoreKind: g.store, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, logger, nil
}
