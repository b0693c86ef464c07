// Package console implements the cputs/cgetc external collaborator: a
// small ring buffer for non-blocking input, and code-page-437 decoding
// of kernel output the way a VGA text-mode console would render it.
package console

import (
	"io"

	"golang.org/x/text/encoding/charmap"
)

const ringSize = 256

// Console is a host-facing terminal collaborator: writes from cputs are
// decoded as CP437 and relayed to Out; reads for cgetc are served
// non-blockingly from a small input ring fed by Feed.
type Console struct {
	Out io.Writer

	ring [ringSize]byte
	head int
	tail int
}

// Write decodes b as IBM code page 437 and forwards the result to Out,
// matching how text written to a real VGA text-mode console would be
// interpreted on readback.
func (c *Console) Write(b []byte) (int, error) {
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return 0, err
	}
	if c.Out != nil {
		if _, err := c.Out.Write(decoded); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// Feed appends a byte of input to the console's ring buffer, as if a
// keypress had arrived at the hardware UART/keyboard controller. A full
// ring silently drops the oldest unread byte.
func (c *Console) Feed(b byte) {
	c.ring[c.tail] = b
	c.tail = (c.tail + 1) % ringSize
	if c.tail == c.head {
		c.head = (c.head + 1) % ringSize
	}
}

// Getc implements cgetc's non-blocking contract: returns 0 when no
// input is buffered, otherwise the next byte.
func (c *Console) Getc() byte {
	if c.head == c.tail {
		return 0
	}
	b := c.ring[c.head]
	c.head = (c.head + 1) % ringSize
	return b
}
