// Package prompts holds the model prompt templates. They are parsed once at
// startup from the embedded defaults, optionally overridden by a YAML file.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"contractrag/types"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type file struct {
	QASystem   string `yaml:"qa_system"`
	QA         string `yaml:"qa"`
	Extraction string `yaml:"extraction"`
	Risk       string `yaml:"risk"`
}

// Set is an immutable collection of parsed templates.
type Set struct {
	qaSystem   string
	qa         *template.Template
	extraction *template.Template
	risk       *template.Template
}

// Default returns the embedded templates.
func Default() *Set {
	s, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("embedded prompts are broken: %v", err))
	}
	return s
}

// Load parses the embedded defaults, then overlays every non-empty template
// found in the YAML file at path. An empty path means defaults only.
func Load(path string) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(defaultsYAML, &f); err != nil {
		return nil, fmt.Errorf("parse default prompts: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.ConfigurationError("read prompts file: %v", err)
		}
		var override file
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, types.ConfigurationError("parse prompts file %s: %v", path, err)
		}
		overlay(&f.QASystem, override.QASystem)
		overlay(&f.QA, override.QA)
		overlay(&f.Extraction, override.Extraction)
		overlay(&f.Risk, override.Risk)
	}

	s := &Set{qaSystem: strings.TrimSpace(f.QASystem)}
	var err error
	if s.qa, err = parse("qa", f.QA); err != nil {
		return nil, err
	}
	if s.extraction, err = parse("extraction", f.Extraction); err != nil {
		return nil, err
	}
	if s.risk, err = parse("risk", f.Risk); err != nil {
		return nil, err
	}
	return s, nil
}

func overlay(dst *string, src string) {
	if strings.TrimSpace(src) != "" {
		*dst = src
	}
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, types.ConfigurationError("prompt %q: %v", name, err)
	}
	return t, nil
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Name(), err)
	}
	return b.String(), nil
}

func (s *Set) QASystem() string { return s.qaSystem }

func (s *Set) QA(question, context string) (string, error) {
	return render(s.qa, struct{ Question, Context string }{question, context})
}

func (s *Set) Extraction(text string) (string, error) {
	return render(s.extraction, struct{ Text string }{text})
}

func (s *Set) Risk(text string) (string, error) {
	return render(s.risk, struct{ Text string }{text})
}
