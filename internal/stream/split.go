// Package stream turns one continuous byte stream into a sequence of
// size-bounded parts and reassembles such a sequence back into a
// single stream. Splitting happens on raw byte boundaries of whatever
// stream it is handed, so a compressed stream is sliced as opaque
// bytes and must be concatenated before decompression on the way back.
package stream

import (
	"fmt"
	"io"
)

// Splitter yields consecutive readers over a source stream, each
// capped at a maximum size. Memory use is bounded by whatever the
// consumer buffers, not by the source size: parts are read straight
// through from the source.
type Splitter struct {
	src     io.Reader
	max     int64
	current *partReader
	started bool

	// one byte read ahead to decide whether another part exists
	pending   [1]byte
	hasByte   bool
	exhausted bool
}

func NewSplitter(src io.Reader, maxPartSize int64) (*Splitter, error) {
	if maxPartSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", maxPartSize)
	}
	return &Splitter{src: src, max: maxPartSize}, nil
}

// Next returns a reader over the next part, or false when the source
// is exhausted. The previous part's reader must be fully consumed
// before calling Next again. A zero-length source still yields exactly
// one (empty) part so an empty filesystem produces a valid archive.
func (s *Splitter) Next() (io.Reader, bool, error) {
	if s.current != nil && !s.current.done() {
		return nil, false, fmt.Errorf("previous part not fully consumed")
	}
	if s.started {
		if s.exhausted {
			return nil, false, nil
		}
		// Peek one byte so a source ending exactly on a part
		// boundary does not produce a trailing empty part.
		if err := s.peek(); err != nil {
			return nil, false, err
		}
		if !s.hasByte {
			s.exhausted = true
			return nil, false, nil
		}
	}
	s.started = true
	s.current = &partReader{s: s, remaining: s.max}
	return s.current, true, nil
}

func (s *Splitter) peek() error {
	if s.hasByte {
		return nil
	}
	for {
		n, err := s.src.Read(s.pending[:])
		if n == 1 {
			s.hasByte = true
			return nil
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type partReader struct {
	s         *Splitter
	remaining int64
	eof       bool
}

func (p *partReader) done() bool {
	return p.eof || p.remaining == 0
}

func (p *partReader) Read(b []byte) (int, error) {
	if p.remaining == 0 || p.eof {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	if int64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	// Serve the lookahead byte from the boundary probe first.
	if p.s.hasByte {
		b[0] = p.s.pending[0]
		p.s.hasByte = false
		p.remaining--
		return 1, nil
	}
	n, err := p.s.src.Read(b)
	p.remaining -= int64(n)
	if err == io.EOF {
		p.eof = true
		p.s.exhausted = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}
