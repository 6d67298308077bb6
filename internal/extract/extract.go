// Package extract turns free-form lab announcements into LabEntry records.
package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/metrics"
)

const DefaultTimezone = "America/Los_Angeles"

// LabEntry is one lab deadline found in a message.
type LabEntry struct {
	LabNumber int       `json:"labNumber"`
	Title     string    `json:"title"`
	DueDate   time.Time `json:"dueDate"`
	DocLink   *string   `json:"docLink"`
}

var (
	canonicalLine = regexp.MustCompile(`(?i)\blab\s+(\d+)\s*\(([^)]+)\)\s*due\s+(.+?)\.?\s*$`)
	docLink       = regexp.MustCompile(`(?i)https://docs\.google\.com/document/[^\s>|)]+`)
	meridiem      = regexp.MustCompile(`(?i)(\d)\s*([ap])\.?\s*m\.?$`)
	spaces        = regexp.MustCompile(`\s+`)
)

var dateLayouts = []string{
	"January 2, 2006 3:04 PM",
	"January 2, 2006 3 PM",
	"January 2, 2006 15:04",
	"January 2 2006 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006 15:04",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Extractor runs the normalize, parse, validate and enrich pipeline.
type Extractor struct {
	normalizer Normalizer
	loc        *time.Location
}

// New builds an Extractor interpreting due dates in timezone (an IANA name).
func New(normalizer Normalizer, timezone string) (*Extractor, error) {
	if normalizer == nil {
		normalizer = Passthrough{}
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid timezone", goerr.V("timezone", timezone))
	}
	return &Extractor{normalizer: normalizer, loc: loc}, nil
}

// Extract never fails: a normalizer error degrades to parsing raw as-is and
// bad lines are skipped.
func (e *Extractor) Extract(ctx context.Context, raw string) []LabEntry {
	canonical, err := e.normalizer.Normalize(ctx, raw)
	if err != nil || strings.TrimSpace(canonical) == "" {
		metrics.NormalizationFallbacksTotal.Inc()
		logger.L.Warn("normalization failed; parsing raw text", "error", err)
		canonical = raw
	}
	logger.L.Debug("normalized text", "text", canonical)

	entries := e.Parse(canonical)

	if link := docLink.FindString(raw); link != "" {
		for i := range entries {
			l := link
			entries[i].DocLink = &l
		}
	}
	metrics.ExtractedEntriesTotal.Add(float64(len(entries)))
	return entries
}

// Parse reads canonical lines, skipping those that don't match the grammar
// or carry an unparseable date. It never sets DocLink.
func (e *Extractor) Parse(canonical string) []LabEntry {
	entries := []LabEntry{}
	for _, line := range strings.Split(canonical, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := canonicalLine.FindStringSubmatch(line)
		if m == nil {
			metrics.SkippedLinesTotal.WithLabelValues("no-match").Inc()
			logger.L.Debug("line does not match lab grammar", "line", line)
			continue
		}
		number, err := strconv.Atoi(m[1])
		if err != nil || number <= 0 {
			metrics.SkippedLinesTotal.WithLabelValues("invalid-number").Inc()
			logger.L.Warn("invalid lab number", "line", line)
			continue
		}
		title := strings.TrimSpace(m[2])
		if title == "" {
			metrics.SkippedLinesTotal.WithLabelValues("empty-title").Inc()
			continue
		}
		due, err := e.parseDate(m[3])
		if err != nil {
			metrics.SkippedLinesTotal.WithLabelValues("invalid-date").Inc()
			logger.L.Warn("invalid date for lab", "lab", number, "date", m[3])
			continue
		}
		entries = append(entries, LabEntry{LabNumber: number, Title: title, DueDate: due})
	}
	return entries
}

// Canonical renders an entry back into the canonical grammar.
func (e *Extractor) Canonical(entry LabEntry) string {
	return "Lab " + strconv.Itoa(entry.LabNumber) + " (" + entry.Title + ") due " +
		entry.DueDate.In(e.loc).Format("January 2, 2006 3:04 PM") + "."
}

func (e *Extractor) parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	s = strings.TrimSuffix(s, ".")
	s = meridiem.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiem.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2]) + "M"
	})

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, e.loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, goerr.New("unrecognized date", goerr.V("date", s))
}
