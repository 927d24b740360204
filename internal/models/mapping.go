package models

// FieldType enumerates the coercions a column mapping may declare.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
)

// FieldMapping declares how one canonical field is populated from the
// source file. Only the transformations declared here are ever applied to
// field values; anything undeclared passes through untouched for the
// validator to reject.
type FieldMapping struct {
	// Source is the header label as it appears in the uploaded file.
	Source string `json:"source"`
	// Type defaults to text when empty.
	Type     FieldType `json:"type,omitempty"`
	Required bool      `json:"required,omitempty"`
	// Identifier marks fields that count toward the "at least one
	// identifying field present" structural requirement.
	Identifier bool `json:"identifier,omitempty"`
	// ThousandsSep, when set, is stripped from number fields before parsing.
	ThousandsSep string `json:"thousands_sep,omitempty"`
	// DateLayout is a Go reference layout (e.g. "01/02/2006") used to parse
	// date fields. Parsed dates normalize to ISO 2006-01-02.
	DateLayout string `json:"date_layout,omitempty"`
}

// ColumnMapping maps canonical field names to their source declarations.
// It is set before upload and read-only during ingestion.
type ColumnMapping map[string]FieldMapping

// Identifiers returns the canonical names of identifier fields.
func (m ColumnMapping) Identifiers() []string {
	var out []string
	for name, fm := range m {
		if fm.Identifier {
			out = append(out, name)
		}
	}
	return out
}
