package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/textlayer"
	"github.com/g-schmitz/workflow-ocr/internal/wrapper"
)

const (
	defaultBinary = "ocrmypdf"
	outputExt     = "pdf"

	exitAlreadyDoneOcr = 6
)

var exitReasons = map[int]string{
	1:   "bad arguments",
	2:   "input file is not a valid PDF or image",
	3:   "missing dependency",
	4:   "output file is invalid",
	5:   "file access error",
	7:   "child process error",
	8:   "input PDF is encrypted",
	9:   "invalid tesseract configuration",
	10:  "PDF/A conversion failed",
	15:  "unexpected ocrmypdf error",
	130: "interrupted",
}

// ocrMyPdf runs the ocrmypdf tool with stdin/stdout piping. It is embedded by
// every processor and owns the processor's command.
type ocrMyPdf struct {
	opts      ToolOptions
	command   wrapper.Command
	logger    *zap.Logger
	extraArgs []string
	modeFlags bool
}

func newOcrMyPdf(opts ToolOptions, command wrapper.Command, logger *zap.Logger) ocrMyPdf {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = defaultBinary
	}
	if command == nil {
		command = wrapper.NewCommand()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return ocrMyPdf{opts: opts, command: command, logger: logger, modeFlags: true}
}

func (o *ocrMyPdf) Command() wrapper.Command { return o.command }

func (o *ocrMyPdf) run(ctx context.Context, content []byte, settings config.WorkflowSettings) (Result, error) {
	sidecar, err := os.CreateTemp("", "workflow-ocr-sidecar-*.txt")
	if err != nil {
		return Result{}, fmt.Errorf("sidecar: %w", err)
	}
	sidecarPath := sidecar.Name()
	_ = sidecar.Close()
	defer os.Remove(sidecarPath)

	args := o.args(settings, sidecarPath)
	o.logger.Debug("running ocrmypdf", zap.String("binary", o.opts.Binary), zap.Strings("args", args))

	if err := o.command.Execute(ctx, bytes.NewReader(content), o.opts.Binary, args...); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("ocrmypdf: %w", ctx.Err())
		}
		code := o.command.ExitCode()
		if code == exitAlreadyDoneOcr {
			return Result{}, ErrOcrAlreadyDone
		}
		msg, ok := exitReasons[code]
		if !ok {
			msg = err.Error()
		}
		return Result{}, &OcrNotPossibleError{Message: msg, ExitCode: code, Stderr: o.command.Stderr()}
	}

	out := o.command.Stdout()
	if len(out) == 0 {
		return Result{}, &OcrNotPossibleError{
			Message:  "ocrmypdf did not produce any output",
			ExitCode: o.command.ExitCode(),
			Stderr:   o.command.Stderr(),
		}
	}
	if stderr := o.command.Stderr(); stderr != "" {
		o.logger.Warn("ocrmypdf reported warnings", zap.String("stderr", truncate(stderr, 500)))
	}

	return Result{
		FileContent:    out,
		FileExtension:  outputExt,
		RecognizedText: o.recognizedText(sidecarPath, out),
	}, nil
}

// recognizedText prefers the sidecar file and falls back to reading the
// text layer of the produced PDF.
func (o *ocrMyPdf) recognizedText(sidecarPath string, pdf []byte) string {
	if b, err := os.ReadFile(sidecarPath); err == nil {
		// ocrmypdf separates pages with form feeds in the sidecar.
		text := strings.TrimSpace(strings.ReplaceAll(string(b), "\f", "\n\n"))
		if text != "" {
			return text
		}
	}
	text, err := textlayer.PlainText(pdf)
	if err != nil {
		o.logger.Debug("text layer unreadable", zap.Error(err))
		return ""
	}
	return text
}

func (o *ocrMyPdf) args(settings config.WorkflowSettings, sidecarPath string) []string {
	args := []string{"--quiet"}

	if len(settings.Languages) > 0 {
		args = append(args, "-l", strings.Join(settings.Languages, "+"))
	}
	if o.modeFlags {
		switch settings.OcrMode {
		case config.OcrModeRedoOcr:
			args = append(args, "--redo-ocr")
		case config.OcrModeForceOcr:
			args = append(args, "--force-ocr")
		case config.OcrModeSkipFile:
			// handled before invoking the tool
		default:
			args = append(args, "--skip-text")
		}
	}
	if settings.RemoveBackground {
		args = append(args, "--remove-background")
	}

	jobs := o.opts.DefaultJobs
	if settings.ProcessorCount > 0 {
		jobs = settings.ProcessorCount
	}
	if jobs > 0 {
		args = append(args, "--jobs", strconv.Itoa(jobs))
	}

	args = append(args, "--sidecar", sidecarPath)
	args = append(args, o.extraArgs...)
	// Custom arguments are split on whitespace; no shell quoting is applied.
	args = append(args, strings.Fields(settings.CustomCliArgs)...)

	return append(args, "-", "-")
}
