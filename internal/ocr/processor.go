package ocr

import (
	"context"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/wrapper"
)

// Processor is implemented by every OCR handler.
type Processor interface {
	Ocrize(ctx context.Context, content []byte, settings config.WorkflowSettings) (Result, error)
}

// CommandOwner is implemented by processors that drive an external tool.
// The returned command belongs to the processor alone.
type CommandOwner interface {
	Command() wrapper.Command
}

type Result struct {
	FileContent    []byte
	FileExtension  string
	RecognizedText string
}

// ToolOptions configures the ocrmypdf invocation shared by all processors.
type ToolOptions struct {
	Binary string
	// DefaultJobs is passed as --jobs when the workflow does not set a
	// processor count; 0 leaves the choice to ocrmypdf.
	DefaultJobs int
}
