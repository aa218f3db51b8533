package ir

// Version constants for the export format and engine.
const (
	// ExportVersion is the serialized node-state format version.
	ExportVersion = 1

	// EngineVersion is the blockstate engine version.
	EngineVersion = "0.1.0"
)
