package ocr

import (
	"context"

	"go.uber.org/zap"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/wrapper"
)

const imageDPI = "300"

// ImageProcessor turns a raster image into a searchable PDF.
// Images never carry a text layer, so the OCR mode is not passed on.
type ImageProcessor struct {
	ocrMyPdf
}

func NewImageProcessor(opts ToolOptions, command wrapper.Command, logger *zap.Logger) *ImageProcessor {
	o := newOcrMyPdf(opts, command, logger)
	o.extraArgs = []string{"--image-dpi", imageDPI}
	o.modeFlags = false
	return &ImageProcessor{ocrMyPdf: o}
}

func (p *ImageProcessor) Ocrize(ctx context.Context, content []byte, settings config.WorkflowSettings) (Result, error) {
	return p.run(ctx, content, settings)
}
