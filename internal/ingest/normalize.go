package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"bulk-ingest-worker/internal/models"
)

// isoDateLayout is the canonical form declared date fields normalize to.
const isoDateLayout = "2006-01-02"

var whitespaceRe = regexp.MustCompile(`\s+`)

// CanonicalizeHeader maps one header label to its canonical form: BOM
// stripped, surrounding whitespace trimmed, lowercased, internal whitespace
// collapsed to a single underscore. Pure and deterministic; the same
// function canonicalizes column-mapping source labels so the two sides
// always agree.
func CanonicalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = strings.ToLower(strings.TrimSpace(h))
	return whitespaceRe.ReplaceAllString(h, "_")
}

// NormalizeHeaders canonicalizes a header row and guarantees uniqueness:
// blank names become positional col_{n} placeholders and duplicates get
// _2, _3, ... suffixes in source order.
func NormalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	counts := make(map[string]int, len(raw))
	used := make(map[string]bool, len(raw))

	for i, h := range raw {
		name := CanonicalizeHeader(h)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		base := name
		counts[base]++
		if counts[base] > 1 {
			name = fmt.Sprintf("%s_%d", base, counts[base])
		}
		// A literal "foo_2" header may already occupy the suffixed slot.
		for used[name] {
			counts[base]++
			name = fmt.Sprintf("%s_%d", base, counts[base])
		}
		used[name] = true
		out[i] = name
	}
	return out
}

// NormalizeRecord builds the canonical payload for one record: per mapped
// field, trim whitespace, treat empty as absent, and apply only the
// transformations the column mapping declares. Undeclared oddities pass
// through untouched for the validator to classify; nothing is guessed.
func NormalizeRecord(mapping models.ColumnMapping, fields map[string]string) map[string]string {
	out := make(map[string]string, len(mapping))
	for name, fm := range mapping {
		v, ok := fields[CanonicalizeHeader(fm.Source)]
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch fm.Type {
		case models.FieldNumber:
			if fm.ThousandsSep != "" {
				v = strings.ReplaceAll(v, fm.ThousandsSep, "")
			}
		case models.FieldDate:
			if fm.DateLayout != "" {
				if t, err := time.Parse(fm.DateLayout, v); err == nil {
					v = t.Format(isoDateLayout)
				}
				// Unparseable dates keep their raw value; the validator
				// rejects them with INVALID_DATE.
			}
		}
		out[name] = v
	}
	return out
}
