package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/g-schmitz/workflow-ocr/internal/app"
	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/logging"
	"github.com/g-schmitz/workflow-ocr/internal/ocr"
	"github.com/g-schmitz/workflow-ocr/internal/service"
	"github.com/g-schmitz/workflow-ocr/internal/wrapper"
)

// Set with -ldflags "-X main.version=..."
var (
	version   = "dev"
	gitCommit = "none"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "workflow-ocr",
		Short:        "Add a searchable text layer to PDFs and images with ocrmypdf",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	root.AddCommand(newServeCmd(), newRunCmd(), newMimeTypesCmd(), newVersionCmd())
	return root
}

func loadApp(cmd *cobra.Command) (*app.Application, error) {
	cfg := config.Load()
	if lvl, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(lvl) != "" {
		cfg.LogLevel = lvl
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the OCR HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Logger.Sync() }()

			if err := a.Config.Validate(); err != nil {
				return err
			}
			if !wrapper.Available(a.Config.OcrMyPdfBinary) {
				a.Logger.Warn("ocrmypdf binary not found, OCR requests will fail",
					zap.String("binary", a.Config.OcrMyPdfBinary))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, newServer(a.Config, a.Service, a.Logger))
		},
	}
}

func serve(ctx context.Context, s *server) error {
	srv := s.httpServer()

	go s.cleanupRateLimiters(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("workflow-ocr listening",
			zap.String("addr", srv.Addr),
			zap.Int64("maxConcurrent", s.cfg.MaxConcurrentRequests),
			zap.Int64("maxOcr", s.cfg.MaxOCRConcurrent))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRunCmd() *cobra.Command {
	var (
		settingsFile     string
		langs            string
		ocrMode          string
		removeBackground bool
		customArgs       string
		outputDir        string
	)

	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "OCR local files and write searchable PDFs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Logger.Sync() }()

			settings, err := config.ParseWorkflowSettings(nil)
			if settingsFile != "" {
				settings, err = config.LoadWorkflowSettings(settingsFile)
			}
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("lang") {
				settings.Languages = config.ParseLanguages(langs)
			}
			if flags.Changed("ocr-mode") {
				settings.OcrMode = config.OcrMode(ocrMode)
			}
			if flags.Changed("remove-background") {
				settings.RemoveBackground = removeBackground
			}
			if flags.Changed("custom-args") {
				settings.CustomCliArgs = customArgs
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			results := a.Service.ProcessFiles(cmd.Context(), args, settings)
			return reportRun(cmd, results, outputDir)
		},
	}

	f := cmd.Flags()
	f.StringVar(&settingsFile, "settings", "", "YAML or JSON workflow settings file")
	f.StringVarP(&langs, "lang", "l", "", "OCR languages, e.g. deu+eng")
	f.StringVar(&ocrMode, "ocr-mode", "", "skip-text, redo-ocr, force-ocr or skip-file")
	f.BoolVar(&removeBackground, "remove-background", false, "remove page backgrounds before OCR")
	f.StringVar(&customArgs, "custom-args", "", "extra ocrmypdf arguments")
	f.StringVarP(&outputDir, "output-dir", "o", "", "directory for the OCR'd PDFs (default: next to the input)")
	return cmd
}

func reportRun(cmd *cobra.Command, results []service.FileOutcome, outputDir string) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	failed := 0

	for _, r := range results {
		switch {
		case errors.Is(r.Err, ocr.ErrOcrAlreadyDone):
			fmt.Fprintf(out, "%s: skipped (already contains text)\n", r.Path)
			continue
		case ocr.IsProcessorNotFound(r.Err):
			failed++
			fmt.Fprintf(errOut, "%s: unsupported file type %s\n", r.Path, r.Outcome.MIMEType)
			continue
		case r.Err != nil:
			failed++
			fmt.Fprintf(errOut, "%s: %v\n", r.Path, r.Err)
			continue
		}

		dest := outputPath(r.Path, outputDir, r.Outcome.Result.FileExtension)
		if err := os.WriteFile(dest, r.Outcome.Result.FileContent, 0o644); err != nil {
			failed++
			fmt.Fprintf(errOut, "%s: write %s: %v\n", r.Path, dest, err)
			continue
		}
		fmt.Fprintf(out, "%s -> %s (%d words, %s)\n",
			r.Path, dest, r.Outcome.WordCount, r.Outcome.Duration.Round(time.Millisecond))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

// outputPath places <stem>.<ext> in dir (or next to the input) without
// overwriting the input itself.
func outputPath(input, dir, ext string) string {
	if ext == "" {
		ext = "pdf"
	}
	if dir == "" {
		dir = filepath.Dir(input)
	}
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	dest := filepath.Join(dir, stem+"."+ext)
	if filepath.Clean(dest) == filepath.Clean(input) {
		dest = filepath.Join(dir, stem+".ocr."+ext)
	}
	return dest
}

func newMimeTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mimetypes",
		Short: "List the MIME types that can be OCR'd",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, mt := range ocr.MimeTypes() {
				fmt.Fprintln(cmd.OutOrStdout(), mt)
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "workflow-ocr %s (commit %s, built %s, %s %s/%s)\n",
				version, gitCommit, buildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
