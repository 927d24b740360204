package ingest

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"bulk-ingest-worker/internal/models"
)

// Outcome classifies one record. A bad record is a value, never an error:
// the pipeline always continues past it.
type Outcome struct {
	OK           bool
	ReasonCode   string
	ReasonDetail string
}

func rejected(code, detail string) Outcome {
	return Outcome{ReasonCode: code, ReasonDetail: detail}
}

// Validator checks normalized records against the batch's column mapping.
type Validator struct {
	mapping     models.ColumnMapping
	identifiers []string
	required    []string
	typed       []string
}

// NewValidator precomputes field lists in sorted order so rejection
// details are deterministic across runs.
func NewValidator(mapping models.ColumnMapping) *Validator {
	v := &Validator{mapping: mapping, identifiers: mapping.Identifiers()}
	for name, fm := range mapping {
		if fm.Required {
			v.required = append(v.required, name)
		}
		if fm.Type == models.FieldNumber || fm.Type == models.FieldDate {
			v.typed = append(v.typed, name)
		}
	}
	sort.Strings(v.identifiers)
	sort.Strings(v.required)
	sort.Strings(v.typed)
	return v
}

// Validate returns a classified outcome for one normalized record.
func (v *Validator) Validate(rec RawRecord, normalized map[string]string) Outcome {
	if rec.ParseErr != "" {
		return rejected(models.ReasonMalformedRow, rec.ParseErr)
	}

	if len(v.identifiers) > 0 {
		found := false
		for _, name := range v.identifiers {
			if normalized[name] != "" {
				found = true
				break
			}
		}
		if !found {
			return rejected(models.ReasonMissingIdentifier,
				fmt.Sprintf("no identifying field present (expected one of %v)", v.identifiers))
		}
	}

	for _, name := range v.required {
		if normalized[name] == "" {
			return rejected(models.ReasonMissingRequired, fmt.Sprintf("required field %q is empty", name))
		}
	}

	for _, name := range v.typed {
		val := normalized[name]
		if val == "" {
			continue
		}
		fm := v.mapping[name]
		switch fm.Type {
		case models.FieldNumber:
			if _, err := strconv.ParseFloat(val, 64); err != nil {
				return rejected(models.ReasonInvalidNumber, fmt.Sprintf("field %q: %q is not a number", name, val))
			}
		case models.FieldDate:
			if fm.DateLayout == "" {
				// No layout declared means no coercion was promised; the
				// value passes through as text.
				continue
			}
			if !validDate(val, fm.DateLayout) {
				return rejected(models.ReasonInvalidDate,
					fmt.Sprintf("field %q: %q does not match layout %q", name, val, fm.DateLayout))
			}
		}
	}

	return Outcome{OK: true}
}

func validDate(val, layout string) bool {
	// The normalizer rewrites parseable dates to ISO form; accept either
	// that or the declared layout.
	if _, err := time.Parse(isoDateLayout, val); err == nil {
		return true
	}
	_, err := time.Parse(layout, val)
	return err == nil
}
