package jobrunner

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

const maxLoggedLine = 2048

// capture is an io.Writer for a child's stdout or stderr. It logs complete
// lines as they arrive and keeps a bounded copy of the stream: the head for
// stdout (where the payload is) and the tail for stderr (where the last error
// is).
type capture struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	stream   string
	limit    int
	keepTail bool
	buf      bytes.Buffer
	line     []byte
}

func newCapture(logger zerolog.Logger, stream string, limit int, keepTail bool) *capture {
	return &capture{logger: logger, stream: stream, limit: limit, keepTail: keepTail}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(p)
	c.line = append(c.line, p...)
	for {
		idx := bytes.IndexByte(c.line, '\n')
		if idx < 0 {
			break
		}
		c.emit(c.line[:idx])
		c.line = c.line[idx+1:]
	}
	if len(c.line) > maxLoggedLine {
		c.emit(c.line)
		c.line = c.line[:0]
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (c *capture) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.line) > 0 {
		c.emit(c.line)
		c.line = c.line[:0]
	}
}

func (c *capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *capture) String() string {
	return string(c.Bytes())
}

func (c *capture) store(p []byte) {
	if !c.keepTail {
		if room := c.limit - c.buf.Len(); room > 0 {
			if len(p) > room {
				p = p[:room]
			}
			c.buf.Write(p)
		}
		return
	}
	c.buf.Write(p)
	if over := c.buf.Len() - c.limit; over > 0 {
		c.buf.Next(over)
	}
}

func (c *capture) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if len(line) > maxLoggedLine {
		line = line[:maxLoggedLine]
	}
	c.logger.Debug().Str("stream", c.stream).Msg(string(line))
}
