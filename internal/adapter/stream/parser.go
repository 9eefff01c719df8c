package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"govstream/internal/domain"
)

const (
	// DefaultMaxFrameSize bounds the carry-over buffer plus accumulated frame data.
	DefaultMaxFrameSize = 1 << 20
	readBufferSize      = 4096
	frameBufferSize     = 16
)

// Parser decodes an event-stream byte sequence into frames. Chunk boundaries
// carry no meaning: a partial trailing line is kept and prepended to the next
// chunk, and only blank-line-terminated frames are ever emitted.
//
// A Parser is not safe for concurrent use; one stream, one parser.
type Parser struct {
	maxFrameSize int
	logger       *slog.Logger

	buf []byte // partial trailing line

	event     string
	data      []string
	dataBytes int

	skipLine     bool // dropping an oversized line up to its newline
	discardFrame bool // dropping the rest of a frame after a framing error
	done         bool

	keepAlives    atomic.Int64
	framingErrors atomic.Int64
}

// NewParser creates a parser. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewParser(maxFrameSize int, logger *slog.Logger) *Parser {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{maxFrameSize: maxFrameSize, logger: logger}
}

// Feed consumes one chunk and returns the frames it completes, in order.
// Keep-alive frames are dropped. Once a terminal frame has been returned,
// Feed returns nothing further. The chunk is not retained.
func (p *Parser) Feed(chunk []byte) []domain.Frame {
	return p.feed(chunk, false)
}

func (p *Parser) feed(chunk []byte, keepAlives bool) []domain.Frame {
	if p.done {
		return nil
	}

	p.buf = append(p.buf, chunk...)

	var frames []domain.Frame
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]

		if p.skipLine {
			p.skipLine = false
			continue
		}

		f, ok := p.line(bytes.TrimSuffix(line, []byte{'\r'}))
		if !ok {
			continue
		}
		if f.IsKeepAlive() {
			p.keepAlives.Add(1)
			if !keepAlives {
				continue
			}
		}
		frames = append(frames, f)
		if isTerminalFrame(f) {
			p.done = true
			p.buf = nil
			return frames
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	} else {
		p.buf = bytes.Clone(p.buf)
	}

	if len(p.buf)+p.dataBytes > p.maxFrameSize {
		p.framingError("partial line exceeds max frame size", len(p.buf)+p.dataBytes)
		p.buf = nil
		p.skipLine = true
	}

	return frames
}

// line processes one complete line and reports a frame when it terminates one.
func (p *Parser) line(line []byte) (domain.Frame, bool) {
	if len(line) == 0 {
		if p.discardFrame {
			p.discardFrame = false
			p.reset()
			return domain.Frame{}, false
		}
		if p.event == "" && p.data == nil {
			return domain.Frame{}, false
		}
		f := domain.Frame{Event: p.event, Data: strings.Join(p.data, "\n")}
		p.reset()
		return f, true
	}

	if p.discardFrame || line[0] == ':' {
		return domain.Frame{}, false
	}

	field, value, _ := bytes.Cut(line, []byte{':'})
	value = bytes.TrimPrefix(value, []byte{' '})

	switch string(field) {
	case "event":
		p.event = string(value)
	case "data":
		p.data = append(p.data, string(value))
		p.dataBytes += len(value)
		if p.dataBytes > p.maxFrameSize {
			p.framingError("frame data exceeds max frame size", p.dataBytes)
		}
	default:
		// id, retry and unknown fields carry nothing for us.
	}
	return domain.Frame{}, false
}

func (p *Parser) framingError(reason string, size int) {
	p.framingErrors.Add(1)
	p.logger.Warn("skipping malformed frame",
		"error", domain.ErrFraming,
		"reason", reason,
		"size", size,
		"max", p.maxFrameSize,
	)
	p.reset()
	p.discardFrame = true
}

func (p *Parser) reset() {
	p.event = ""
	p.data = nil
	p.dataBytes = 0
}

// Done reports whether a terminal frame has been emitted.
func (p *Parser) Done() bool { return p.done }

// KeepAlives returns the number of keep-alive frames filtered so far.
func (p *Parser) KeepAlives() int { return int(p.keepAlives.Load()) }

// FramingErrors returns the number of frames skipped for framing violations.
func (p *Parser) FramingErrors() int { return int(p.framingErrors.Load()) }

// Run pumps r through the parser in a goroutine. Frames are delivered on the
// first channel, which is closed when the stream ends: at the first terminal
// frame, at EOF, on a read error, or when ctx is cancelled. The second
// channel then yields exactly one value: nil for a terminal frame or clean
// EOF, otherwise the read error (or ctx.Err()). A partial frame left in the
// buffer is discarded, never flushed.
//
// Unlike Feed, Run delivers keep-alive frames so the consumer can see that the
// stream is alive. They must not reach the dispatcher; Dispatcher.Dispatch
// drops them.
func (p *Parser) Run(ctx context.Context, r io.Reader) (<-chan domain.Frame, <-chan error) {
	out := make(chan domain.Frame, frameBufferSize)
	errc := make(chan error, 1)

	go func() {
		defer close(out)

		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range p.feed(buf[:n], true) {
					select {
					case out <- f:
					case <-ctx.Done():
						errc <- ctx.Err()
						return
					}
				}
				if p.done {
					errc <- nil
					return
				}
			}
			if err != nil {
				switch {
				case ctx.Err() != nil:
					errc <- ctx.Err()
				case errors.Is(err, io.EOF):
					errc <- nil
				default:
					errc <- err
				}
				return
			}
		}
	}()

	return out, errc
}
