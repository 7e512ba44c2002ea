package session

// ExportSchemaVersion is written into every export header.
const ExportSchemaVersion = "1.0"

// ExportRecord is one line of a JSONL export: either the header (PanelExport
// set) or a session.
type ExportRecord struct {
	// Header detection field - true only for header line
	PanelExport bool `json:"_ankipanel_export,omitempty"`

	// Header fields (only present in header line)
	SchemaVersion string `json:"schema_version,omitempty"`
	ExportedAt    int64  `json:"exported_at,omitempty"`

	Session
}

// IsHeader reports whether r is the export header line.
func (r *ExportRecord) IsHeader() bool {
	return r.PanelExport
}
