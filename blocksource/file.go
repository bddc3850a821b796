package blocksource

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
)

// fileSource wraps an *os.File, reading blocks with ReadAt and
// clamping reads that run past EOF, per the table reader's "reads
// beyond EOF are clamped" rule.
type fileSource struct {
	f *os.File
}

// NewFile opens path and returns a Source backed by ordinary
// pread-style reads.
func NewFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(reftable.ErrNotExist, "blocksource: %s", path)
		}
		return nil, errors.Wrapf(reftable.ErrIO, "blocksource: open %s: %v", path, err)
	}
	return &fileSource{f: f}, nil
}

func (s *fileSource) ReadBlock(off int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := s.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(reftable.ErrIO, "blocksource: read at %d: %v", off, err)
	}
	return buf[:n], nil
}

func (s *fileSource) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "blocksource: stat")
	}
	return fi.Size(), nil
}

func (s *fileSource) Close() error {
	return s.f.Close()
}
