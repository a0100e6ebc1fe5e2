package inference

import "time"

// Message is a normalized representation of a chat message.
type Message struct {
	Role    string
	Content string
}

// Image is an inline image attached to the last user message.
type Image struct {
	MIMEType string
	Data     []byte
}

// Schema describes the structured output a caller expects back.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// Request represents a normalized model call made on behalf of the engine.
type Request struct {
	Model        string
	Instructions string
	Messages     []Message
	Image        *Image
	Schema       *Schema
	// MaxOutputTokens bounds the answer size. Zero means provider default.
	MaxOutputTokens int64
}

// Usage holds token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response represents a normalized model answer.
type Response struct {
	Model   string
	Text    string
	Usage   Usage
	Latency time.Duration
}
