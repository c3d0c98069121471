package port

import "context"

// GenerationPart is one entry of a generateContent request. Exactly one of
// Text, InlineData or FileURI is set.
type GenerationPart struct {
	Text       string
	InlineData []byte
	FileURI    string
	MIMEType   string

	// Optional video offsets for file/inline parts, ISO-8601 durations.
	StartOffset string
	EndOffset   string
	FPS         float64
}

type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

type GenerationResult struct {
	Text  string
	Usage TokenUsage
}

type Generator interface {
	GenerateContent(ctx context.Context, model string, parts []GenerationPart) (*GenerationResult, error)
}
