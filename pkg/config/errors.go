package config

import (
	"fmt"
	"strings"
)

// ValidationError is one problem found in a configuration document.
type ValidationError struct {
	// File is the source file path, when known.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Field is the dotted path of the offending key, e.g. engine.batch_size.
	Field string `json:"field,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of a document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("%d configuration errors:\n  %s", len(e), strings.Join(msgs, "\n  "))
}

// Has reports whether any error concerns field. Paths reported with a
// leading definition, such as #Config.engine.batch_size, match too.
func (e ValidationErrors) Has(field string) bool {
	for _, ve := range e {
		if ve.Field == field || strings.HasSuffix(ve.Field, "."+field) {
			return true
		}
	}
	return false
}
