package tee

import (
	"bytes"
	"io"
)

// Saver is a wrapper around an io.Writer (usually a connection) that saves everything written to a buffer.
// The recorded bytes are exactly the bytes passed on to the underlying writer.
type Saver struct {
	w   io.Writer
	b   *bytes.Buffer
	err error
}

// Implementation of io.Writer
func (t *Saver) Write(p []byte) (int, error) {
	// once the underlying writer failed, do not write or record anything more
	if t.err != nil {
		return 0, t.err
	}
	n, err := t.w.Write(p)
	t.b.Write(p[:n])
	if err != nil {
		t.err = err
	}
	return n, err
}

// Implementation of io.StringWriter
func (t *Saver) WriteString(s string) (int, error) {
	return t.Write([]byte(s))
}

// Response returns the recorded bytes.
func (t *Saver) Response() []byte {
	return t.b.Bytes()
}

// Len returns the number of recorded bytes.
func (t *Saver) Len() int {
	return t.b.Len()
}

// Err returns the first error returned by the underlying writer, if any.
func (t *Saver) Err() error {
	return t.err
}

// NewSaver returns a new Saver writing through to w.
func NewSaver(w io.Writer) *Saver {
	return &Saver{
		w: w,
		b: &bytes.Buffer{},
	}
}
