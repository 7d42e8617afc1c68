// Package chat turns model tool_calls into tool executions and feeds
// the results back until the model produces a text answer.
package chat

import (
	"sync"

	"github.com/satchel-ai/satchel/internal/llm"
)

// Conversation holds an ordered message transcript. The system prompt
// is kept apart from the turns so there is always exactly one system
// message and it is always first.
type Conversation struct {
	mu     sync.Mutex
	system string
	turns  []llm.Message
}

// NewConversation creates a conversation with the given system prompt.
func NewConversation(system string) *Conversation {
	return &Conversation{system: system}
}

// SetSystem replaces the system prompt.
func (c *Conversation) SetSystem(system string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = system
}

// AddUser appends a user message.
func (c *Conversation) AddUser(content string) {
	c.append(llm.Message{Role: "user", Content: content})
}

func (c *Conversation) append(msgs ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, msgs...)
}

// Messages returns the transcript with the system message first,
// safe for the caller to hold while the conversation keeps growing.
func (c *Conversation) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]llm.Message, 0, len(c.turns)+1)
	if c.system != "" {
		out = append(out, llm.Message{Role: "system", Content: c.system})
	}
	return append(out, c.turns...)
}

// Len returns the number of non-system messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Clear drops all turns but keeps the system prompt.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}
