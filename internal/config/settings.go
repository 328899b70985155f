package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OcrMode selects how ocrmypdf treats pages that already carry text.
type OcrMode string

const (
	OcrModeSkipText OcrMode = "skip-text"
	OcrModeRedoOcr  OcrMode = "redo-ocr"
	OcrModeForceOcr OcrMode = "force-ocr"
	// OcrModeSkipFile leaves files that already contain a text layer untouched.
	OcrModeSkipFile OcrMode = "skip-file"
)

// WorkflowSettings are the per-run options of a single OCR operation.
type WorkflowSettings struct {
	Languages               []string `yaml:"languages"`
	RemoveBackground        bool     `yaml:"removeBackground"`
	OcrMode                 OcrMode  `yaml:"ocrMode"`
	CustomCliArgs           string   `yaml:"customCliArgs"`
	KeepOriginalFileVersion bool     `yaml:"keepOriginalFileVersion"`
	ProcessorCount          int      `yaml:"processorCount"`
}

// ParseWorkflowSettings decodes YAML (and therefore JSON) settings.
// Empty input yields the defaults.
func ParseWorkflowSettings(data []byte) (WorkflowSettings, error) {
	var s WorkflowSettings
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return WorkflowSettings{}, fmt.Errorf("parse workflow settings: %w", err)
		}
	}
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return WorkflowSettings{}, err
	}
	return s, nil
}

func LoadWorkflowSettings(path string) (WorkflowSettings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return WorkflowSettings{}, fmt.Errorf("read workflow settings: %w", err)
	}
	return ParseWorkflowSettings(b)
}

// WithDefaultLanguages fills Languages from the service defaults when the
// workflow did not choose any.
func (s WorkflowSettings) WithDefaultLanguages(langs []string) WorkflowSettings {
	if len(s.Languages) == 0 && len(langs) > 0 {
		s.Languages = append([]string(nil), langs...)
	}
	return s
}

func (s WorkflowSettings) Validate() error {
	switch s.OcrMode {
	case "", OcrModeSkipText, OcrModeRedoOcr, OcrModeForceOcr, OcrModeSkipFile:
	default:
		return fmt.Errorf("unknown ocrMode %q", s.OcrMode)
	}
	if s.ProcessorCount < 0 {
		return fmt.Errorf("processorCount must not be negative, got %d", s.ProcessorCount)
	}
	for _, l := range s.Languages {
		if strings.ContainsAny(l, " +,") || l == "" {
			return fmt.Errorf("invalid language %q", l)
		}
	}
	return validateCustomCliArgs(s.CustomCliArgs)
}

// reservedFlags are set by the processor itself or would let a caller write
// files or load code outside the OCR run.
var reservedFlags = []string{"--sidecar", "--plugin", "--output-type"}

// validateCustomCliArgs accepts options only. Values must be attached with
// "=", so no token can become an input or output path.
func validateCustomCliArgs(args string) error {
	for _, tok := range strings.Fields(args) {
		if tok == "-" || tok == "--" || !strings.HasPrefix(tok, "-") {
			return fmt.Errorf("customCliArgs: positional argument %q not allowed, use --flag=value", tok)
		}
		name, _, _ := strings.Cut(tok, "=")
		if !strings.HasPrefix(name, "--") || len(name) <= 2 {
			continue
		}
		// ocrmypdf accepts unambiguous prefixes of long options.
		for _, reserved := range reservedFlags {
			if strings.HasPrefix(reserved, name) {
				return fmt.Errorf("customCliArgs: %s is not allowed", reserved)
			}
		}
	}
	return nil
}

func (s WorkflowSettings) withDefaults() WorkflowSettings {
	if s.OcrMode == "" {
		s.OcrMode = OcrModeSkipText
	}
	langs := make([]string, 0, len(s.Languages))
	for _, l := range s.Languages {
		langs = append(langs, splitList(l)...)
	}
	if len(langs) > 0 {
		s.Languages = langs
	} else {
		s.Languages = nil
	}
	return s
}

// ParseLanguages splits "deu+eng", "deu,eng" or "deu eng" into language codes.
func ParseLanguages(v string) []string {
	langs := splitList(v)
	if len(langs) == 0 {
		return nil
	}
	return langs
}
