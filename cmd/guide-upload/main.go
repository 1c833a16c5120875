package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/pkg/config"
	"github.com/lgulliver/waypoint/pkg/retry"
	"github.com/lgulliver/waypoint/pkg/uploader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const tokenEnv = "WAYPOINT_TOKEN"

type options struct {
	server         string
	token          string
	guide          string
	slot           int
	mimeType       string
	compress       bool
	chunkSize      config.ByteSize
	chunkThreshold config.ByteSize
	maxFileSize    config.ByteSize
	attempts       int
	timeout        time.Duration
	logLevel       string
}

func defaultOptions() *options {
	defaults := uploader.DefaultConfig()
	return &options{
		server:         "http://localhost:8080",
		token:          os.Getenv(tokenEnv),
		slot:           1,
		compress:       defaults.Compress,
		chunkSize:      config.ByteSize(defaults.ChunkSize),
		chunkThreshold: config.ByteSize(defaults.ChunkThreshold),
		maxFileSize:    config.ByteSize(defaults.MaxFileSize),
		attempts:       retry.DefaultMaxAttempts,
		timeout:        2 * time.Minute,
		logLevel:       "warn",
	}
}

func bindFlags(flags *pflag.FlagSet, o *options) {
	flags.StringVarP(&o.server, "server", "s", o.server, "API base URL")
	flags.StringVar(&o.token, "token", o.token, "admin bearer token (default $"+tokenEnv+")")
	flags.StringVarP(&o.guide, "guide", "g", o.guide, "guide ID to attach the file to")
	flags.IntVarP(&o.slot, "slot", "n", o.slot, "attachment slot, 1 or 2")
	flags.StringVar(&o.mimeType, "type", o.mimeType, "MIME type, detected from the extension when empty")
	flags.BoolVar(&o.compress, "compress", o.compress, "gzip large files before sending")
	flags.Var(&o.chunkSize, "chunk-size", "size of each chunk, must match the server, e.g. 5MiB")
	flags.Var(&o.chunkThreshold, "chunk-threshold", "files above this size are always chunked")
	flags.Var(&o.maxFileSize, "max-size", "refuse files larger than this")
	flags.IntVar(&o.attempts, "attempts", o.attempts, "attempts per request before giving up")
	flags.DurationVar(&o.timeout, "timeout", o.timeout, "timeout for each HTTP request")
	flags.StringVar(&o.logLevel, "log-level", o.logLevel, "log level. debug|info|warn|error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:   "guide-upload [flags] FILE",
		Short: "Upload a document into a guide attachment slot",
		Example: `  guide-upload --guide 6f1c... --slot 2 handbook.pdf
  WAYPOINT_TOKEN=... guide-upload -g 6f1c... --chunk-size 8MiB archive.zip`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q", opts.logLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level)

			result, err := run(cmd.Context(), opts, args[0], cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	bindFlags(cmd.Flags(), opts)
	return cmd
}

func run(ctx context.Context, opts *options, path string, progress io.Writer) (*uploader.Result, error) {
	guideID, err := uuid.Parse(opts.guide)
	if err != nil {
		return nil, fmt.Errorf("--guide must be a guide ID: %w", err)
	}
	if opts.token == "" {
		return nil, fmt.Errorf("--token or $%s is required", tokenEnv)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	mimeType := opts.mimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}

	cfg := uploader.DefaultConfig()
	cfg.Compress = opts.compress
	cfg.ChunkSize = int64(opts.chunkSize)
	cfg.ChunkThreshold = int64(opts.chunkThreshold)
	cfg.MaxFileSize = int64(opts.maxFileSize)
	cfg.Retry.MaxAttempts = opts.attempts

	transport := uploader.NewHTTPTransport(opts.server, opts.token, opts.timeout)
	orchestrator := uploader.New(transport, cfg, progressPrinter(progress))

	return orchestrator.Upload(ctx, uploader.File{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	}, uploader.Target{GuideID: guideID, Slot: opts.slot})
}

// progressPrinter writes one line per update
func progressPrinter(w io.Writer) uploader.Observer {
	return func(p uploader.Progress) {
		fmt.Fprintf(w, "[%-11s] %3d%% %s\n", p.Stage, p.Percent, p.Message)
	}
}

func printResult(w io.Writer, result *uploader.Result) {
	mode := "direct"
	if result.Chunked {
		mode = fmt.Sprintf("chunked, %d chunks", result.TotalChunks)
	}
	fmt.Fprintf(w, "Uploaded %s to slot %d (%s)\n", result.Attachment.FileName, result.Attachment.Slot, mode)
	fmt.Fprintf(w, "  size:     %s\n", units.HumanSize(float64(result.OriginalSize)))
	if result.Compressed {
		fmt.Fprintf(w, "  sent:     %s compressed\n", units.HumanSize(float64(result.TransferSize)))
	}
	fmt.Fprintf(w, "  sha256:   %s\n", result.Attachment.SHA256)
	fmt.Fprintf(w, "  duration: %s\n", result.Duration.Round(time.Millisecond))
}
