// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact scrubs secrets and personal data out of text.
//
// Observation descriptions are read off the subject's screen, so they can
// carry whatever was on it. They pass through a Redactor before they reach
// the history database, and braindump text passes through one before it
// reaches the model.
package redact

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Public is the classification of text that matched nothing.
const Public = "public"

// =============================================================================
// Types
// =============================================================================

// Confidence rates how likely a pattern match is a real finding.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// UnmarshalYAML rejects unknown confidence levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Confidence(s) {
	case High, Medium, Low:
		*c = Confidence(s)
		return nil
	default:
		return fmt.Errorf("invalid confidence %q", s)
	}
}

// Pattern is one regex inside a classification.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	re *regexp.Regexp
}

// Classification groups patterns under one name.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

type patternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Finding is one match reported by Scan.
type Finding struct {
	Classification string     `json:"classification"`
	PatternID      string     `json:"pattern_id"`
	Confidence     Confidence `json:"confidence"`
	Match          string     `json:"match"`
}

// =============================================================================
// Redactor
// =============================================================================

// Redactor applies compiled classifications, highest priority first.
// Immutable after construction and safe for concurrent use.
type Redactor struct {
	classes []Classification
}

// New loads the built-in patterns.
func New() (*Redactor, error) {
	return Parse(defaultPatterns)
}

// Parse builds a Redactor from a pattern file.
//
// # Outputs
//
//   - *Redactor: Ready to use.
//   - error: Non-nil on malformed YAML, an unknown confidence or a regex
//     that does not compile.
func Parse(data []byte) (*Redactor, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse redaction patterns: %w", err)
	}
	for i := range file.Classifications {
		class := &file.Classifications[i]
		for j := range class.Patterns {
			p := &class.Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(file.Classifications, func(i, j int) bool {
		return file.Classifications[i].Priority > file.Classifications[j].Priority
	})
	return &Redactor{classes: file.Classifications}, nil
}

// Classify returns the name of the highest-priority classification that
// matches text, or Public.
func (r *Redactor) Classify(text string) string {
	for _, class := range r.classes {
		for _, p := range class.Patterns {
			if p.re.MatchString(text) {
				return class.Name
			}
		}
	}
	return Public
}

// Scan reports every match in text.
func (r *Redactor) Scan(text string) []Finding {
	var findings []Finding
	for _, class := range r.classes {
		for _, p := range class.Patterns {
			for _, m := range p.re.FindAllString(text, -1) {
				findings = append(findings, Finding{
					Classification: class.Name,
					PatternID:      p.ID,
					Confidence:     p.Confidence,
					Match:          strings.TrimSpace(m),
				})
			}
		}
	}
	return findings
}

// Redact replaces every match with "[redacted:<classification>]".
//
// # Outputs
//
//   - string: Scrubbed text. Equal to text when nothing matched.
//   - int: Number of replacements.
func (r *Redactor) Redact(text string) (string, int) {
	count := 0
	for _, class := range r.classes {
		mask := "[redacted:" + class.Name + "]"
		for _, p := range class.Patterns {
			text = p.re.ReplaceAllStringFunc(text, func(string) string {
				count++
				return mask
			})
		}
	}
	return text, count
}
