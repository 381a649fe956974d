// Package source loads feedback items from the tabular inputs.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// MalformedSourceError reports a source missing one or more required
// columns. The whole source is skipped.
type MalformedSourceError struct {
	Source  string
	Missing []string
}

func (e *MalformedSourceError) Error() string {
	return fmt.Sprintf("source %s: missing required columns: %s", e.Source, strings.Join(e.Missing, ", "))
}

// Spec describes one CSV source.
type Spec struct {
	Name       string
	Type       protocol.SourceType
	Path       string
	IDColumn   string
	TextColumn string
	// HTML normalizes markup in the text column to plain text.
	HTML bool
}

// Reviews is the app review export: review_id, review_text.
func Reviews(path string) Spec {
	return Spec{Name: "reviews", Type: protocol.SourceReview, Path: path, IDColumn: "review_id", TextColumn: "review_text"}
}

// Emails is the support inbox export: email_id, body.
func Emails(path string) Spec {
	return Spec{Name: "emails", Type: protocol.SourceEmail, Path: path, IDColumn: "email_id", TextColumn: "body", HTML: true}
}

// Read parses one source from r. Header names are trimmed before matching.
func Read(r io.Reader, spec Spec) ([]protocol.FeedbackItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &MalformedSourceError{Source: spec.Name, Missing: []string{spec.IDColumn, spec.TextColumn}}
	}
	if err != nil {
		return nil, fmt.Errorf("source %s: read header: %w", spec.Name, err)
	}

	idIdx, textIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case spec.IDColumn:
			idIdx = i
		case spec.TextColumn:
			textIdx = i
		}
	}
	var missing []string
	if idIdx < 0 {
		missing = append(missing, spec.IDColumn)
	}
	if textIdx < 0 {
		missing = append(missing, spec.TextColumn)
	}
	if len(missing) > 0 {
		return nil, &MalformedSourceError{Source: spec.Name, Missing: missing}
	}

	var items []protocol.FeedbackItem
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source %s: line %d: %w", spec.Name, line, err)
		}
		text := field(rec, textIdx)
		if spec.HTML && LooksLikeHTML(text) {
			text = HTMLToText(text)
		}
		items = append(items, protocol.FeedbackItem{
			ID:         strings.TrimSpace(field(rec, idIdx)),
			SourceType: spec.Type,
			Text:       text,
		})
	}
	return items, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// ReadFile opens spec.Path and parses it.
func ReadFile(spec Spec) ([]protocol.FeedbackItem, error) {
	f, err := os.Open(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", spec.Name, err)
	}
	defer f.Close()
	return Read(f, spec)
}

// Loader reads every configured source, skipping the ones that fail.
type Loader struct {
	Specs  []Spec
	Logger *slog.Logger
}

// NewLoader creates a loader over specs. Specs with an empty path are ignored.
func NewLoader(logger *slog.Logger, specs ...Spec) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Specs: specs, Logger: logger}
}

// Load returns the items of every usable source, in spec order, together
// with one warning per skipped source.
func (l *Loader) Load() ([]protocol.FeedbackItem, []error) {
	var (
		items    []protocol.FeedbackItem
		warnings []error
	)
	for _, spec := range l.Specs {
		if spec.Path == "" {
			l.Logger.Debug("source not configured", "source", spec.Name)
			continue
		}
		got, err := ReadFile(spec)
		if err != nil {
			l.Logger.Warn("skipping source", "source", spec.Name, "path", spec.Path, "error", err)
			warnings = append(warnings, err)
			continue
		}
		l.Logger.Info("loaded source", "source", spec.Name, "items", len(got))
		items = append(items, got...)
	}
	return items, warnings
}
