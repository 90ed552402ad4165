package models

// SplitStrategy selects how the chunker finds boundaries.
type SplitStrategy string

const (
	SplitParagraph SplitStrategy = "paragraph"
	SplitSentence  SplitStrategy = "sentence"
	SplitToken     SplitStrategy = "token"
	SplitCharacter SplitStrategy = "character"
	SplitCustom    SplitStrategy = "custom"
)

// ChunkingConfig controls chunk size and overlap. Size and overlap are counted in
// tokens, except for the character strategy where they count runes.
type ChunkingConfig struct {
	ChunkSize       int           `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap    int           `json:"chunk_overlap" yaml:"chunk_overlap"`
	SplitStrategy   SplitStrategy `json:"split_strategy" yaml:"split_strategy"`
	CustomSeparator string        `json:"custom_separator,omitempty" yaml:"custom_separator,omitempty"`
}

// DefaultChunkingConfig returns the settings used when none are configured.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		ChunkSize:     1000,
		ChunkOverlap:  200,
		SplitStrategy: SplitParagraph,
	}
}
