// Package cli implements the tokenvault command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tokenvault/internal/blob"
	"tokenvault/internal/config"
	"tokenvault/internal/core"
)

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokenvault",
		Short: "Persist tabletop tokens and keep them in sync with the scene",
		Long: `tokenvault stores persisted copies of scene tokens, restores them onto new
instances for the GM, and keeps UNIQUE tokens in step with their single live
instance.

The host extension connects to "serve" over a WebSocket; the other commands
work on the configured store directly.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file (environment overrides it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the host bridge",
		Args:  cobra.NoArgs,
		RunE:  RunServe,
	}
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted tokens",
		Args:  cobra.NoArgs,
		RunE:  RunList,
	}
	listCmd.Flags().Bool("json", false, "Print the records as JSON")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted tokens to blob storage or a file",
		Args:  cobra.NoArgs,
		RunE:  RunExport,
	}
	exportCmd.Flags().StringP("out", "o", "", "Write to this file instead of blob storage (- for stdout)")

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import persisted tokens from a file or a stored archive",
		Args:  cobra.MaximumNArgs(1),
		RunE:  RunImport,
	}
	importCmd.Flags().String("archive", "", "Import a stored export by key instead of a file")
	importCmd.Flags().Bool("overwrite", false, "Replace records whose keys already exist")
	importCmd.Flags().Bool("dry-run", false, "Validate and report collisions without writing")

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a file is a valid persisted token export",
		Args:  cobra.ExactArgs(1),
		RunE:  RunValidate,
	}

	replayCmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Feed recorded scene deliveries through the reconciliation engine",
		Long: `replay reads a JSON array of item lists, one per scene delivery, and runs
each through an in-memory scene wired to a session. Every cycle is reported.
Unless --persist is set the configured store is not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: RunReplay,
	}
	replayCmd.Flags().String("records", "", "Seed the store with this export before replaying")
	replayCmd.Flags().String("role", "GM", "Role of the local user: GM|PLAYER")
	replayCmd.Flags().Bool("persist", false, "Replay against the configured store")
	replayCmd.Flags().Bool("json", false, "Print cycle reports as JSON lines")

	rootCmd.AddCommand(serveCmd, listCmd, exportCmd, importCmd, validateCmd, replayCmd)
	return rootCmd
}

// env is what every command needs: configuration, a logger, and a service
// over the configured store.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *core.Service
	close   func()
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := OptionalStringFlag(cmd, "config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openEnv(cmd *cobra.Command, opts ...core.Option) (*env, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, close: func() {}}
	var closers []io.Closer
	base := []core.Option{core.WithLogger(logger), core.WithAuditRecorder(core.NewSlogAuditRecorder(logger))}
	if cfg.Log.TraceFile != "" {
		f, err := os.OpenFile(cfg.Log.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		closers = append(closers, f)
		base = append(base, core.WithTracer(core.NewJSONTracer(f)))
	}
	store, err := core.OpenStorage(cfg.StorageSettings(), core.NewDefaultRulesEngine())
	if err != nil {
		closeAll(logger, closers)
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	if c, ok := store.(io.Closer); ok {
		closers = append([]io.Closer{c}, closers...)
	}
	e.service = core.NewService(store, append(base, opts...)...)
	e.close = func() { closeAll(logger, closers) }
	return e, nil
}

func closeAll(logger *slog.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("close", "error", err)
		}
	}
}

func (e *env) openBlob(ctx context.Context) (blob.Store, error) {
	store, err := blob.Open(ctx, e.cfg.BlobSettings())
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", e.cfg.Blob.Driver, err)
	}
	return store, nil
}
