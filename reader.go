package rtmp

import (
	"bufio"
	"io"
)

// Reader supplies the exact-length reads the chunk layer depends on and
// counts every byte consumed, which drives acknowledgement accounting.
type Reader struct {
	reader *bufio.Reader
	n      uint64
}

func NewReader(reader *bufio.Reader) (*Reader, error) {
	if reader == nil {
		return nil, ErrNilReader
	}
	return &Reader{reader: reader}, nil
}

// Read reads exactly len(p) bytes from the underlying bufio.Reader into p.
// The error is EOF only if no bytes were read. If an EOF happens after
// reading some but not all the bytes, Read returns ErrUnexpectedEOF.
// On return, n == len(p) if and only if err == nil.
func (r *Reader) Read(p []byte) (n int, err error) {
	n, err = io.ReadFull(r.reader, p)
	r.n += uint64(n)
	return n, err
}

// ReadByte reads and returns a single byte from the underlying bufio.Reader.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.reader.ReadByte()
	if err == nil {
		r.n++
	}
	return b, err
}

// BytesRead returns the number of bytes consumed since the Reader was
// created.
func (r *Reader) BytesRead() uint64 {
	return r.n
}
