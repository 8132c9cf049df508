package memory

import (
	"slices"
	"sync"
	"time"
)

// Turn is one exchange with the oracle or a tool, as it is replayed into
// the next action request.
type Turn struct {
	Role    string    `json:"role"`
	TaskID  string    `json:"task_id,omitempty"`
	Content string    `json:"content"`
	Tokens  int       `json:"tokens"`
	At      time.Time `json:"at"`
	Pointer *Pointer  `json:"pointer,omitempty"`
}

// Digest reports whether the turn replaced older turns.
func (t Turn) Digest() bool { return t.Pointer != nil }

// Conversation is the ordered turn log of a run.
type Conversation struct {
	mu    sync.Mutex
	turns []Turn
	now   func() time.Time
}

func newConversation(now func() time.Time) *Conversation {
	return &Conversation{now: now}
}

// Add appends a turn and returns it with tokens and timestamp filled in.
func (c *Conversation) Add(role, taskID, content string) Turn {
	t := Turn{Role: role, TaskID: taskID, Content: content, Tokens: EstimateTokens(content), At: c.now().UTC()}
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
	return t
}

// Turns returns a copy of the turns, oldest first.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.turns)
}

// Recent returns at most n of the newest turns, oldest first.
func (c *Conversation) Recent(n int) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n >= len(c.turns) {
		return slices.Clone(c.turns)
	}
	return slices.Clone(c.turns[len(c.turns)-n:])
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Tokens sums the token estimate of every turn.
func (c *Conversation) Tokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, t := range c.turns {
		total += t.Tokens
	}
	return total
}

// Collapse replaces every turn except the newest keep with digest. It
// returns the replaced turns, or nil when there was nothing to collapse.
func (c *Conversation) Collapse(keep int, digest Turn) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	cut := len(c.turns) - keep
	if cut <= 1 && (cut <= 0 || c.turns[0].Digest()) {
		return nil
	}
	old := slices.Clone(c.turns[:cut])
	if digest.At.IsZero() {
		digest.At = c.now().UTC()
	}
	if digest.Tokens == 0 {
		digest.Tokens = EstimateTokens(digest.Content)
	}
	rest := slices.Clone(c.turns[cut:])
	c.turns = append([]Turn{digest}, rest...)
	return old
}

func (c *Conversation) restore(turns []Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = slices.Clone(turns)
}
