package flow

// MessageCache remembers the last bot utterance shown to one session.
type MessageCache struct {
	last string
}

// Last returns the cached utterance, or "".
func (c *MessageCache) Last() string {
	return c.last
}

// Remember replaces the cached utterance.
func (c *MessageCache) Remember(msg string) {
	c.last = msg
}

// IsRepeat reports whether msg is byte-identical to the cached utterance.
func (c *MessageCache) IsRepeat(msg string) bool {
	return msg != "" && msg == c.last
}
