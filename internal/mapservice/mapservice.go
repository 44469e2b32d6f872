// Package mapservice talks to the sequence map conversion service, an
// external process wrapping the vendor map editor. The service shares blob
// storage with this process, so calls exchange blob keys rather than file
// contents. Conversions can stall when the vendor tool hangs, so every call
// carries a deadline and failures are retried a bounded number of times.
package mapservice

import "context"

// Feature is a named annotation detected on a sequence map.
type Feature struct {
	Name  string `json:"name"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// RenderOptions controls which annotation layers a preview image shows.
type RenderOptions struct {
	ShowEnzymes  bool `json:"show_enzymes"`
	ShowFeatures bool `json:"show_features"`
	ShowPrimers  bool `json:"show_primers"`
	ShowORFs     bool `json:"show_orfs"`
}

// Client is the conversion service contract used by the save pipeline.
type Client interface {
	// DetectFeatures returns the annotations present on the map at mapKey.
	DetectFeatures(ctx context.Context, mapKey string) ([]Feature, error)
	// GeneratePreview renders the map at mapKey to a PNG at previewKey.
	GeneratePreview(ctx context.Context, mapKey, previewKey string, opts RenderOptions) error
	// ExportGenBank converts the native map at mapKey to GenBank at genbankKey.
	ExportGenBank(ctx context.Context, mapKey, genbankKey string) error
	// ImportGenBank converts the GenBank file at genbankKey to a native map at mapKey.
	ImportGenBank(ctx context.Context, genbankKey, mapKey string) error
	Close() error
}
