package scrub

import "strings"

// Coalescer batches tiny deltas into chunks worth rendering or speaking.
// A batch is released when a delta contains a newline or the buffered
// text reaches MinChars.
type Coalescer struct {
	minChars int
	buf      strings.Builder
}

func NewCoalescer(minChars int) *Coalescer {
	if minChars < 1 {
		minChars = 1
	}
	return &Coalescer{minChars: minChars}
}

func (c *Coalescer) Push(delta string) string {
	if delta == "" {
		return ""
	}
	c.buf.WriteString(delta)
	if strings.ContainsRune(delta, '\n') || c.buf.Len() >= c.minChars {
		out := c.buf.String()
		c.buf.Reset()
		return out
	}
	return ""
}

func (c *Coalescer) Flush() string {
	out := c.buf.String()
	c.buf.Reset()
	return out
}
