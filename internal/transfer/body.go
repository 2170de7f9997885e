package transfer

import (
	"bytes"
	"io"
)

// partBody serves one part from memory and reports how far it has been read.
// It is seekable so the SDK can rewind it when signing or resending.
type partBody struct {
	r      *bytes.Reader
	size   int64
	report func(n int64)
}

func newPartBody(buf []byte, report func(n int64)) *partBody {
	return &partBody{r: bytes.NewReader(buf), size: int64(len(buf)), report: report}
}

func (b *partBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 && b.report != nil {
		b.report(b.size - int64(b.r.Len()))
	}
	return n, err
}

func (b *partBody) Seek(offset int64, whence int) (int64, error) {
	return b.r.Seek(offset, whence)
}

var _ io.ReadSeeker = (*partBody)(nil)

// readSection fills buf from src at off.
func readSection(src io.ReaderAt, buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
