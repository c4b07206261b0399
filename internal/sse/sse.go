// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

const DoneData = "[DONE]"

// Event is one parsed upstream event. Name is empty for data-only streams.
type Event struct {
	Name string
	Data string
}

func (e Event) IsDone() bool { return e.Data == DoneData }

// DefaultMaxEventBytes bounds a single upstream event when no other limit
// applies.
const DefaultMaxEventBytes = 4 << 20

// ErrEventTooLarge is returned by Next when an event grows past the reader's
// limit. The reader is unusable afterwards.
var ErrEventTooLarge = errors.New("sse: event exceeds size limit")

type Reader struct {
	r   *bufio.Reader
	max int
}

func NewReader(r io.Reader) *Reader {
	return NewReaderLimit(r, DefaultMaxEventBytes)
}

// NewReaderLimit returns a reader that holds at most max bytes of a single
// event in memory. max <= 0 means DefaultMaxEventBytes.
func NewReaderLimit(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxEventBytes
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), max: max}
}

// Next returns the next event that carries data. It returns io.EOF once the
// stream ends; a final event without a trailing blank line is still returned.
func (r *Reader) Next() (Event, error) {
	for {
		block, err := r.readBlock()
		if errors.Is(err, ErrEventTooLarge) {
			return Event{}, err
		}
		if block != "" {
			ev := parseBlock(block)
			if ev.Data != "" || ev.Name != "" {
				return ev, nil
			}
		}
		if err != nil {
			return Event{}, err
		}
	}
}

func (r *Reader) readBlock() (string, error) {
	var b []byte
	for {
		line, err := r.readLine(len(b))
		if errors.Is(err, ErrEventTooLarge) {
			return "", err
		}
		if err != nil {
			b = append(b, line...)
			return strings.TrimSpace(string(b)), err
		}
		if string(line) == "\n" || string(line) == "\r\n" {
			if len(b) == 0 {
				continue
			}
			return string(b), nil
		}
		b = append(b, line...)
	}
}

// readLine reads through the next newline, failing as soon as the line and
// the held bytes of its event would pass the limit.
func (r *Reader) readLine(held int) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.r.ReadSlice('\n')
		if held+len(line)+len(frag) > r.max {
			return nil, ErrEventTooLarge
		}
		line = append(line, frag...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func parseBlock(block string) Event {
	var ev Event
	var dataLines []string
	for _, ln := range strings.Split(block, "\n") {
		ln = strings.TrimRight(ln, "\r")
		switch {
		case strings.HasPrefix(ln, ":"):
		case strings.HasPrefix(ln, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(ln, "event:"))
		case strings.HasPrefix(ln, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(ln, "data:")))
		}
	}
	ev.Data = strings.TrimSpace(strings.Join(dataLines, "\n"))
	return ev
}

// Frame is one downstream event ready to be written to the caller.
type Frame struct {
	Event string
	Data  []byte
}

func (f Frame) Bytes() []byte {
	var b bytes.Buffer
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(f.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

func (f Frame) Len() int {
	n := len("data: ") + len(f.Data) + 2
	if f.Event != "" {
		n += len("event: ") + len(f.Event) + 1
	}
	return n
}

func DoneFrame() Frame { return Frame{Data: []byte(DoneData)} }
