package stream

import (
	"fmt"
	"io"
)

// PartOpener opens the content stream of the part at a given position
// in the ordered sequence.
type PartOpener func(i int) (io.ReadCloser, error)

// Join produces one continuous stream from n ordered parts. Parts are
// opened lazily in index order and each is closed before the next is
// opened, so already-consumed parts are never re-buffered.
func Join(n int, open PartOpener) io.ReadCloser {
	return &joiner{n: n, open: open}
}

type joiner struct {
	n       int
	next    int
	open    PartOpener
	current io.ReadCloser
	err     error
}

func (j *joiner) Read(b []byte) (int, error) {
	if j.err != nil {
		return 0, j.err
	}
	for {
		if j.current == nil {
			if j.next >= j.n {
				j.err = io.EOF
				return 0, io.EOF
			}
			rc, err := j.open(j.next)
			if err != nil {
				j.err = fmt.Errorf("opening part %d of %d: %w", j.next+1, j.n, err)
				return 0, j.err
			}
			j.next++
			j.current = rc
		}
		n, err := j.current.Read(b)
		if err == io.EOF {
			if cerr := j.current.Close(); cerr != nil {
				j.current = nil
				j.err = cerr
				return n, cerr
			}
			j.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			j.err = err
		}
		return n, err
	}
}

func (j *joiner) Close() error {
	if j.current != nil {
		err := j.current.Close()
		j.current = nil
		j.err = fmt.Errorf("stream closed")
		return err
	}
	j.err = fmt.Errorf("stream closed")
	return nil
}
