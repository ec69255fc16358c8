// Package anthropic wraps the official SDK behind the narrow surface the
// extraction engine calls: single message requests with prompt caching and
// an optional server-side web search tool. Batch endpoints are deliberately
// absent; the budget guard admits calls one at a time.
package anthropic

import "context"

// Client sends one message request and returns the completed response.
// The engine shares a single Client across field groups, so implementations
// must be safe for concurrent use.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest describes one extraction or verification call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64

	// WebSearch attaches the server-side web search tool when non-nil.
	WebSearch *WebSearchSpec
}

// WebSearchSpec bounds the web search tool for a single call.
type WebSearchSpec struct {
	// MaxUses caps searches within the call. Zero leaves the provider default.
	MaxUses int

	// AllowedDomains restricts results to the listed hosts when non-empty.
	AllowedDomains []string
}

// SystemBlock is one system prompt segment, optionally cache-controlled.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl marks a prompt cache breakpoint.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// Message is a single conversational turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is the completed call. Content preserves block order as
// returned by the API; web search calls interleave tool blocks with text.
type MessageResponse struct {
	ID         string
	Model      string
	StopReason string
	Content    []ContentBlock
	Usage      TokenUsage
}

// ContentBlock is one response block. Non-text blocks keep their type and
// an empty Text.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage reports what the call consumed. WebSearchRequests counts
// server-side searches, which bill per request rather than per token.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	WebSearchRequests        int64
}

// systemCacheTTL is the breakpoint lifetime for cached system prompts. The
// extraction prompt is identical across every rung and round of a run, so
// the long TTL lets later calls read it back instead of resending it.
const systemCacheTTL = "1h"

// BuildCachedSystemBlocks wraps a system prompt in a single block with a
// one hour cache breakpoint.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: systemCacheTTL},
	}}
}
