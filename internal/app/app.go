// Package app wires configuration, logging and the OCR components together.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/ocr"
	"github.com/g-schmitz/workflow-ocr/internal/service"
	"github.com/g-schmitz/workflow-ocr/internal/wrapper"
)

// Container is the construction authority for processors. It resolves a
// processor kind to a brand-new processor and a brand-new command on every
// call; nothing is cached.
type Container struct {
	tool   ocr.ToolOptions
	logger *zap.Logger
}

func NewContainer(cfg config.Config, logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		tool: ocr.ToolOptions{
			Binary:      cfg.OcrMyPdfBinary,
			DefaultJobs: cfg.ProcessorCount,
		},
		logger: logger,
	}
}

func (c *Container) Processor(kind ocr.Kind) (ocr.Processor, error) {
	switch kind {
	case ocr.KindPdf:
		return ocr.NewPdfProcessor(c.tool, wrapper.NewCommand(), c.logger.Named("pdf")), nil
	case ocr.KindImage:
		return ocr.NewImageProcessor(c.tool, wrapper.NewCommand(), c.logger.Named("image")), nil
	default:
		return nil, fmt.Errorf("no constructor for processor kind %q", kind)
	}
}

// Application bundles the long-lived components.
type Application struct {
	Config    config.Config
	Logger    *zap.Logger
	Container *Container
	Factory   *ocr.Factory
	Service   *service.Service
}

func New(cfg config.Config, logger *zap.Logger) *Application {
	if logger == nil {
		logger = zap.NewNop()
	}
	container := NewContainer(cfg, logger)
	factory := ocr.NewFactory(container)
	return &Application{
		Config:    cfg,
		Logger:    logger,
		Container: container,
		Factory:   factory,
		Service:   service.New(factory, cfg, logger.Named("service")),
	}
}
