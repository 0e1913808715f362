package parser

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

// ErrStreamConsumed is recorded when a Stream is ranged over a second time.
var ErrStreamConsumed = errors.New("parser: stream already consumed")

// errStopped signals that the consumer broke out of the loop.
var errStopped = errors.New("parser: stopped by consumer")

// Stats tallies what a parser saw. Dropped records are counted, never raised.
//
// The counters do not share a unit. Malformed counts symbol carriers: one per
// title item or validity row, one per definition scope however many fragments
// it holds. Orphaned counts definition fragments, so a fragment inside a
// malformed top-level scope shows up in both. They are reported side by side
// and never summed.
type Stats struct {
	Parsed    int `json:"parsed"`    // records emitted
	Malformed int `json:"malformed"` // items, rows or scopes whose symbol failed the CPC grammar
	Orphaned  int `json:"orphaned"`  // definition fragments with no valid enclosing symbol
	Headers   int `json:"headers"`   // structural headers skipped
	Empty     int `json:"empty"`     // items or fragments without text
}

func (s *Stats) add(o Stats) {
	s.Parsed += o.Parsed
	s.Malformed += o.Malformed
	s.Orphaned += o.Orphaned
	s.Headers += o.Headers
	s.Empty += o.Empty
}

// Stream is a lazy, finite, single-pass sequence of parsed records. Parsing
// happens while the caller ranges over Records; Err and Stats are final once
// the loop ends.
type Stream[T any] struct {
	source string
	run    func(emit func(T) bool, st *Stats) error
	used   bool
	err    error
	stats  Stats
}

func newStream[T any](source string, run func(emit func(T) bool, st *Stats) error) *Stream[T] {
	return &Stream[T]{source: source, run: run}
}

// Source names the document kind being parsed.
func (s *Stream[T]) Source() string { return s.source }

// Records yields each record in document order.
func (s *Stream[T]) Records() iter.Seq[T] {
	return func(yield func(T) bool) {
		if s.used {
			s.err = ErrStreamConsumed
			return
		}
		s.used = true
		err := s.run(yield, &s.stats)
		if errors.Is(err, errStopped) {
			err = nil
		}
		s.err = err
	}
}

// Err returns the error that ended the stream, if any.
func (s *Stream[T]) Err() error { return s.err }

// Stats returns the tallies accumulated so far.
func (s *Stream[T]) Stats() Stats { return s.stats }

// Collect drains the stream into a slice.
func (s *Stream[T]) Collect() ([]T, error) {
	var out []T
	for rec := range s.Records() {
		out = append(out, rec)
	}
	return out, s.Err()
}

// Concat chains streams of the same kind into one. Each child is consumed in
// order and its stats are summed; the first error ends the chain.
func Concat[T any](source string, streams ...*Stream[T]) *Stream[T] {
	return newStream(source, func(emit func(T) bool, st *Stats) error {
		for _, child := range streams {
			stopped := false
			for rec := range child.Records() {
				if !emit(rec) {
					stopped = true
					break
				}
			}
			st.add(child.Stats())
			if err := child.Err(); err != nil {
				return err
			}
			if stopped {
				return errStopped
			}
		}
		return nil
	})
}

// Deferred opens its input only when the stream is consumed, so archive
// members are read one at a time. name identifies the input in errors.
func Deferred[T any](name string, open func() (io.ReadCloser, error), parse func(io.Reader) *Stream[T]) *Stream[T] {
	return newStream(name, func(emit func(T) bool, st *Stats) error {
		rc, err := open()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		defer rc.Close()

		inner := parse(rc)
		stopped := false
		for rec := range inner.Records() {
			if !emit(rec) {
				stopped = true
				break
			}
		}
		st.add(inner.Stats())
		if err := inner.Err(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if stopped {
			return errStopped
		}
		return nil
	})
}
