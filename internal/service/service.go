package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/ocr"
)

var (
	ErrEmptyFile    = errors.New("file is empty")
	ErrFileTooLarge = errors.New("file exceeds size limit")
)

// ProcessorCreator resolves a MIME type to a processor; *ocr.Factory implements it.
type ProcessorCreator interface {
	Create(mimeType string) (ocr.Processor, error)
}

type Service struct {
	factory      ProcessorCreator
	limiter      *semaphore.Weighted
	batchLimit   int
	maxFileBytes int64
	timeout      time.Duration
	defaultLangs []string
	logger       *zap.Logger
}

func New(factory ProcessorCreator, cfg config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		factory:      factory,
		batchLimit:   int(cfg.MaxOCRConcurrent),
		maxFileBytes: cfg.MaxFileBytes,
		timeout:      cfg.OCRTimeout,
		defaultLangs: cfg.DefaultLanguages,
		logger:       logger,
	}
	if cfg.MaxOCRConcurrent > 0 {
		s.limiter = semaphore.NewWeighted(cfg.MaxOCRConcurrent)
	}
	if s.batchLimit <= 0 {
		s.batchLimit = 1
	}
	return s
}

type Outcome struct {
	FileName  string
	MIMEType  string
	Result    ocr.Result
	WordCount int
	CharCount int
	Duration  time.Duration
}

// Process runs OCR over one file. A *ocr.ProcessorNotFoundError is returned
// unchanged for unsupported content.
func (s *Service) Process(ctx context.Context, fileName string, content []byte, settings config.WorkflowSettings) (Outcome, error) {
	start := time.Now()
	out := Outcome{FileName: fileName}

	if len(content) == 0 {
		return out, ErrEmptyFile
	}
	if s.maxFileBytes > 0 && int64(len(content)) > s.maxFileBytes {
		return out, fmt.Errorf("%w (%dMB)", ErrFileTooLarge, s.maxFileBytes/(1<<20))
	}

	out.MIMEType = DetectMIMEType(content)
	processor, err := s.factory.Create(out.MIMEType)
	if err != nil {
		return out, err
	}

	settings = settings.WithDefaultLanguages(s.defaultLangs)
	res, err := s.ocrize(ctx, processor, content, settings)
	out.Duration = time.Since(start)
	if errors.Is(err, ocr.ErrOcrAlreadyDone) {
		s.logger.Info("ocr skipped, document already has text",
			zap.String("file", sanitizeLogString(fileName)),
			zap.String("mimeType", out.MIMEType),
			zap.Duration("duration", out.Duration))
		return out, err
	}
	if err != nil {
		s.logger.Warn("ocr failed",
			zap.String("file", sanitizeLogString(fileName)),
			zap.String("mimeType", out.MIMEType),
			zap.Duration("duration", out.Duration),
			zap.Error(err))
		return out, err
	}

	out.Result = res
	out.WordCount, out.CharCount = BuildCounts(res.RecognizedText)
	s.logger.Info("ocr finished",
		zap.String("file", sanitizeLogString(fileName)),
		zap.String("mimeType", out.MIMEType),
		zap.Int("words", out.WordCount),
		zap.Int("bytes", len(res.FileContent)),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func (s *Service) ocrize(ctx context.Context, p ocr.Processor, content []byte, settings config.WorkflowSettings) (ocr.Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, 1); err != nil {
			return ocr.Result{}, err
		}
		defer s.limiter.Release(1)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return p.Ocrize(ctx, content, settings)
}

type FileOutcome struct {
	Path    string
	Outcome Outcome
	Err     error
}

// ProcessFiles OCRs every path concurrently. A failing file does not stop the
// batch; results keep the order of paths.
func (s *Service) ProcessFiles(ctx context.Context, paths []string, settings config.WorkflowSettings) []FileOutcome {
	results := make([]FileOutcome, len(paths))

	var g errgroup.Group
	g.SetLimit(s.batchLimit)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			results[i] = s.processFile(ctx, path, settings)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) processFile(ctx context.Context, path string, settings config.WorkflowSettings) FileOutcome {
	fo := FileOutcome{Path: path}
	if err := ctx.Err(); err != nil {
		fo.Err = err
		return fo
	}
	if s.maxFileBytes > 0 {
		if st, err := os.Stat(path); err == nil && st.Size() > s.maxFileBytes {
			fo.Err = fmt.Errorf("%w (%dMB)", ErrFileTooLarge, s.maxFileBytes/(1<<20))
			return fo
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		fo.Err = fmt.Errorf("read: %w", err)
		return fo
	}
	fo.Outcome, fo.Err = s.Process(ctx, filepath.Base(path), content, settings)
	return fo
}

// DetectMIMEType sniffs content and returns the bare, lower-case MIME type.
func DetectMIMEType(content []byte) string {
	mt := strings.ToLower(strings.TrimSpace(mimetype.Detect(content).String()))
	if i := strings.Index(mt, ";"); i > 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func BuildCounts(text string) (wordCount int, charCount int) {
	charCount = len([]rune(text))
	wordCount = len(strings.Fields(text))
	return
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
