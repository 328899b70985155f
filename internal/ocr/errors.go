package ocr

import (
	"errors"
	"fmt"
)

// ProcessorNotFoundError is returned by Factory.Create for MIME types
// without a registered processor.
type ProcessorNotFoundError struct {
	MimeType string
}

func (e *ProcessorNotFoundError) Error() string {
	return fmt.Sprintf("no OCR processor registered for mime type %q", e.MimeType)
}

// ErrOcrAlreadyDone means the document already carries a text layer and the
// workflow settings asked not to OCR it again.
var ErrOcrAlreadyDone = errors.New("document already contains text")

// OcrNotPossibleError reports a failed ocrmypdf run.
type OcrNotPossibleError struct {
	Message  string
	ExitCode int
	Stderr   string
}

func (e *OcrNotPossibleError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("OCR not possible (exit %d): %s", e.ExitCode, e.Message)
	}
	return fmt.Sprintf("OCR not possible (exit %d): %s: %s", e.ExitCode, e.Message, truncate(e.Stderr, 300))
}

// IsProcessorNotFound reports whether err (or anything it wraps) is a
// *ProcessorNotFoundError.
func IsProcessorNotFound(err error) bool {
	var nf *ProcessorNotFoundError
	return errors.As(err, &nf)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
