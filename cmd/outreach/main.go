// Command outreach runs multi-step AI outreach pipelines with human approval gates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/outreach/internal/config"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "outreach",
		Short:         "Multi-stage AI outreach pipeline engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: outreach.yaml in . or ~/.outreach)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides db_path)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error (overrides log_level)")

	root.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newRunCmd(opts),
		newApprovalsCmd(opts),
		newActivityCmd(opts),
		newCancelCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig applies flag overrides on top of the layered configuration.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// openApp loads configuration and wires the engine. Logs go to stderr.
func (o *rootOptions) openApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, os.Stderr)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
