package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-schmitz/workflow-ocr/internal/ocr"
	"github.com/g-schmitz/workflow-ocr/internal/service"
)

func TestOutputPath(t *testing.T) {
	tests := []struct {
		input, dir, ext, want string
	}{
		{"/in/scan.png", "", "pdf", "/in/scan.pdf"},
		{"/in/scan.pdf", "", "pdf", "/in/scan.ocr.pdf"},
		{"/in/scan.pdf", "/out", "pdf", "/out/scan.pdf"},
		{"/in/scan.jpeg", "/out", "", "/out/scan.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outputPath(tt.input, tt.dir, tt.ext), tt.input)
	}
}

func TestMimeTypesCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"mimetypes"})

	require.NoError(t, root.Execute())
	assert.Equal(t, ocr.MimeTypes(), strings.Fields(out.String()))
}

func TestReportRunWritesOutputsAndCountsFailures(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)

	results := []service.FileOutcome{
		{
			Path: filepath.Join(dir, "a.png"),
			Outcome: service.Outcome{
				MIMEType:  "image/png",
				Result:    ocr.Result{FileContent: []byte("%PDF-ocr"), FileExtension: "pdf"},
				WordCount: 2,
			},
		},
		{Path: filepath.Join(dir, "b.pdf"), Err: ocr.ErrOcrAlreadyDone},
		{
			Path:    filepath.Join(dir, "c.txt"),
			Outcome: service.Outcome{MIMEType: "text/plain"},
			Err:     &ocr.ProcessorNotFoundError{MimeType: "text/plain"},
		},
		{Path: filepath.Join(dir, "d.pdf"), Err: errors.New("boom")},
	}

	err := reportRun(root, results, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 4")

	written, err := os.ReadFile(filepath.Join(dir, "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-ocr"), written)

	assert.Contains(t, out.String(), "b.pdf: skipped")
	assert.Contains(t, errOut.String(), "unsupported file type text/plain")
	assert.Contains(t, errOut.String(), "d.pdf: boom")
}
