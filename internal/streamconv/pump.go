package streamconv

import (
	"context"
	"errors"
	"io"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
	"portbroker/internal/sse"
)

// Sink receives downstream frames. Implementations write and flush each
// frame before returning and report the total bytes written so far.
type Sink interface {
	WriteFrame(f sse.Frame) error
	Written() int64
}

type Outcome struct {
	Bytes     int64
	Truncated bool
	Usage     canonical.Usage
}

// Pump drives t over the upstream body until a terminal event, writing each
// translated frame to sink as soon as it is produced. A limit above zero is
// the ceiling on downstream bytes: the frame that would cross it is dropped,
// a single truncation event is written instead and reading stops.
//
// A single upstream event may not exceed the ceiling by more than
// eventSlack, or sse.DefaultMaxEventBytes without a ceiling. An oversized
// event before any delivery is an upstream shape error; after delivery it
// ends the stream as truncated.
//
// On failure nothing is written if the caller has not received a byte yet,
// and the returned error keeps its retriable classification. Once bytes are
// out a terminal error event is written and the error is marked Delivered.
func Pump(ctx context.Context, upstream io.Reader, t Transcoder, sink Sink, limit int64) (Outcome, error) {
	r := sse.NewReaderLimit(upstream, eventLimit(limit))
	out := func(truncated bool) Outcome {
		return Outcome{Bytes: sink.Written(), Truncated: truncated, Usage: t.Usage()}
	}
	fail := func(e *gwerr.Error) (Outcome, error) {
		if sink.Written() == 0 {
			return out(false), e
		}
		e.Delivered = true
		if e.Kind != gwerr.KindCanceled {
			for _, f := range t.Fail(e) {
				if sink.WriteFrame(f) != nil {
					break
				}
			}
		}
		return out(false), e
	}
	truncate := func() error {
		for _, tf := range t.Truncate() {
			if err := sink.WriteFrame(tf); err != nil {
				return err
			}
		}
		return nil
	}
	// write reports true when the ceiling stopped the stream.
	write := func(frames []sse.Frame) (bool, error) {
		for _, f := range frames {
			if limit > 0 && sink.Written()+int64(f.Len()) > limit {
				return true, truncate()
			}
			if err := sink.WriteFrame(f); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	callerGone := func(err error) *gwerr.Error {
		e := gwerr.Wrap(gwerr.KindCanceled, err, "caller went away: %v", err)
		e.Delivered = sink.Written() > 0
		return e
	}

	for !t.Done() {
		if err := ctx.Err(); err != nil {
			return fail(gwerr.Wrap(gwerr.KindCanceled, err, "stream canceled: %v", err))
		}
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			frames, ferr := t.Finish()
			if ferr != nil {
				return fail(gwerr.As(ferr))
			}
			if _, werr := write(frames); werr != nil {
				return out(false), callerGone(werr)
			}
			break
		}
		if errors.Is(err, sse.ErrEventTooLarge) {
			if sink.Written() == 0 {
				return fail(gwerr.Wrap(gwerr.KindUpstreamShape, err, "upstream event larger than %d bytes", eventLimit(limit)))
			}
			if werr := truncate(); werr != nil {
				return out(true), callerGone(werr)
			}
			return out(true), nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return fail(gwerr.Wrap(gwerr.KindCanceled, cerr, "stream canceled: %v", cerr))
			}
			return fail(gwerr.Wrap(gwerr.KindProviderConnection, err, "upstream read: %v", err))
		}
		frames, err := t.Push(ev)
		if err != nil {
			return fail(gwerr.As(err))
		}
		truncated, werr := write(frames)
		if werr != nil {
			return out(truncated), callerGone(werr)
		}
		if truncated {
			return out(true), nil
		}
	}
	return out(false), nil
}

// eventSlack is how far one upstream event may exceed the downstream ceiling.
// Re-framing changes an event's size, so an event a little over the ceiling
// can still produce a frame under it.
const eventSlack = 64 << 10

func eventLimit(limit int64) int {
	if limit <= 0 || limit+eventSlack >= sse.DefaultMaxEventBytes {
		return sse.DefaultMaxEventBytes
	}
	return int(limit + eventSlack)
}
