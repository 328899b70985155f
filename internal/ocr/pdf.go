package ocr

import (
	"context"

	"go.uber.org/zap"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/textlayer"
	"github.com/g-schmitz/workflow-ocr/internal/wrapper"
)

// PdfProcessor adds a text layer to PDF documents.
type PdfProcessor struct {
	ocrMyPdf
}

func NewPdfProcessor(opts ToolOptions, command wrapper.Command, logger *zap.Logger) *PdfProcessor {
	return &PdfProcessor{ocrMyPdf: newOcrMyPdf(opts, command, logger)}
}

func (p *PdfProcessor) Ocrize(ctx context.Context, content []byte, settings config.WorkflowSettings) (Result, error) {
	if settings.OcrMode == config.OcrModeSkipFile {
		hasText, err := textlayer.HasText(content)
		if err != nil {
			p.logger.Debug("could not inspect text layer, running OCR anyway", zap.Error(err))
		} else if hasText {
			return Result{}, ErrOcrAlreadyDone
		}
	}
	return p.run(ctx, content, settings)
}
