package ocr

import (
	"fmt"
	"sort"
)

// Kind names a processor implementation.
type Kind string

const (
	KindPdf   Kind = "pdf"
	KindImage Kind = "image"
)

// mapping is read-only after package initialisation.
var mapping = map[string]Kind{
	"application/pdf": KindPdf,
	"image/jpeg":      KindImage,
	"image/png":       KindImage,
}

// Container constructs processors. Every call must return a new instance
// with its own command; implementations must not cache processors.
type Container interface {
	Processor(kind Kind) (Processor, error)
}

// ContainerFunc adapts a function to the Container interface.
type ContainerFunc func(kind Kind) (Processor, error)

func (f ContainerFunc) Processor(kind Kind) (Processor, error) { return f(kind) }

// Factory resolves MIME types to freshly built processors. It holds no
// mutable state and is safe for concurrent use.
type Factory struct {
	container Container
}

func NewFactory(container Container) *Factory {
	return &Factory{container: container}
}

// Create returns a new processor for mimeType. The lookup is an exact match;
// unknown types yield a *ProcessorNotFoundError.
func (f *Factory) Create(mimeType string) (Processor, error) {
	kind, ok := mapping[mimeType]
	if !ok {
		return nil, &ProcessorNotFoundError{MimeType: mimeType}
	}
	p, err := f.container.Processor(kind)
	if err != nil {
		return nil, fmt.Errorf("create %s processor for %q: %w", kind, mimeType, err)
	}
	return p, nil
}

// Supports reports whether a processor is registered for mimeType.
func Supports(mimeType string) bool {
	_, ok := mapping[mimeType]
	return ok
}

// MimeTypes returns the registered MIME types in sorted order.
func MimeTypes() []string {
	out := make([]string, 0, len(mapping))
	for mt := range mapping {
		out = append(out, mt)
	}
	sort.Strings(out)
	return out
}
