// Package chat defines the conversation types shared by the active chat
// store and the archive pipeline, and the exchange counter both of them
// use to judge whether a conversation carries enough substance to keep.
package chat

import (
	"strings"
	"time"
)

// Message is a single turn in a conversation. Array order is
// chronological order; nothing else is enforced.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Chat is a recallable conversation as kept in a user's active set.
// The same shape is what callers hand to the archive pipeline; the
// pipeline ignores UpdatedAt.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LastActivity returns UpdatedAt, falling back to CreatedAt for
// records written before UpdatedAt was tracked.
func (c *Chat) LastActivity() time.Time {
	if c.UpdatedAt.IsZero() {
		return c.CreatedAt
	}
	return c.UpdatedAt
}

// Roles is the alias table that decides which side of the conversation
// a message role belongs to. Matching is case-insensitive.
type Roles struct {
	Human []string `yaml:"human"`
	Agent []string `yaml:"agent"`
}

// DefaultRoles returns the built-in alias table.
func DefaultRoles() Roles {
	return Roles{
		Human: []string{"user", "human"},
		Agent: []string{"assistant", "wankr"},
	}
}

// IsHuman reports whether role is one of the human aliases.
func (r Roles) IsHuman(role string) bool {
	return hasAlias(r.Human, role)
}

// IsAgent reports whether role is one of the agent aliases.
func (r Roles) IsAgent(role string) bool {
	return hasAlias(r.Agent, role)
}

// ExchangeCount counts completed exchanges: adjacent message pairs
// where the first is human-authored and the second agent-authored.
// Trailing unpaired messages do not count.
func (r Roles) ExchangeCount(messages []Message) int {
	n := 0
	for i := 0; i+1 < len(messages); i++ {
		if r.IsHuman(messages[i].Role) && r.IsAgent(messages[i+1].Role) {
			n++
		}
	}
	return n
}

// ExchangeCount counts exchanges using [DefaultRoles].
func ExchangeCount(messages []Message) int {
	return DefaultRoles().ExchangeCount(messages)
}

func hasAlias(aliases []string, role string) bool {
	role = strings.TrimSpace(role)
	for _, a := range aliases {
		if strings.EqualFold(a, role) {
			return true
		}
	}
	return false
}
