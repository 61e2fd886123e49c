// Package domain holds the chat completion request model and the conversation
// history records.
package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

// PolicyPreamble is the fixed instruction message injected as the first
// message of every proxied completion. Callers cannot remove or override it.
const PolicyPreamble = "You are the class assistant for this school's learning platform. " +
	"Follow the school's acceptable use policy at all times: refuse requests for harmful, " +
	"explicit, or deceptive content, do not complete graded work on a student's behalf, " +
	"and encourage students to verify important facts independently."

var validate = validator.New()

// preambleContent is the JSON encoding of PolicyPreamble, used for the
// exact-literal first-message comparison.
var preambleContent = mustMarshal(PolicyPreamble)

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// ChatMessage is a single message in an OpenAI-compatible request. Content is
// kept as raw JSON so multimodal payloads pass through untouched.
type ChatMessage struct {
	Role    string          `json:"role" validate:"required,oneof=system user assistant tool"`
	Content json.RawMessage `json:"content" validate:"required,max=65536"`
}

// CompletionRequest is the OpenAI-compatible body accepted by the completion
// endpoint. Sampling parameters are bounded; everything else is relayed as-is.
type CompletionRequest struct {
	Model       string        `json:"model" validate:"required,max=128"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,max=200,dive"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64      `json:"top_p,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0,lte=131072"`
	Stop        []string      `json:"stop,omitempty" validate:"omitempty,max=4"`
}

// Validate checks the request against the message count, per-message size, and
// sampling parameter bounds.
func (r *CompletionRequest) Validate() error {
	return validate.Struct(r)
}

// EnsurePolicyPreamble prepends the policy preamble unless the exact preamble
// is already the first message. The comparison is literal; a reworded or
// whitespace-shifted copy does not count and gets the real preamble prepended
// in front of it.
func (r *CompletionRequest) EnsurePolicyPreamble() {
	if len(r.Messages) > 0 && r.Messages[0].Role == "system" && bytes.Equal(r.Messages[0].Content, preambleContent) {
		return
	}
	preamble := ChatMessage{Role: "system", Content: preambleContent}
	r.Messages = append([]ChatMessage{preamble}, r.Messages...)
}

// EstimateTokens is the coarse accounting estimate used for quota bookkeeping:
// one token per four bytes of message content, minimum one per message.
func (r *CompletionRequest) EstimateTokens() int64 {
	var total int64
	for _, m := range r.Messages {
		n := int64(len(m.Content)) / 4
		if n == 0 {
			n = 1
		}
		total += n
	}
	return total
}

// Conversation is a chat room owned by one account. Deleting is a soft
// operation that clears the active flag.
type Conversation struct {
	ID        string    `json:"id"`
	AccountID string    `json:"-"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	Active    bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conv_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidMessageRole reports whether role is one of the storable turn roles.
func ValidMessageRole(role string) bool {
	switch role {
	case "user", "assistant", "system":
		return true
	}
	return false
}
