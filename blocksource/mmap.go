package blocksource

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/google/reftable-go"
)

// mmapSource memory-maps the whole file for zero-copy reads, used for
// large read-mostly tables.
type mmapSource struct {
	f   *os.File
	mm  mmap.MMap
}

// NewMmap memory-maps path read-only. On platforms or filesystems
// where mmap isn't available it falls back to NewFile.
func NewMmap(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(reftable.ErrNotExist, "blocksource: %s", path)
		}
		return nil, errors.Wrapf(reftable.ErrIO, "blocksource: open %s: %v", path, err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return NewFile(path)
	}
	return &mmapSource{f: f, mm: mm}, nil
}

func (s *mmapSource) ReadBlock(off int64, size int) ([]byte, error) {
	if off >= int64(len(s.mm)) {
		return nil, nil
	}
	end := off + int64(size)
	if end > int64(len(s.mm)) {
		end = int64(len(s.mm))
	}
	out := make([]byte, end-off)
	copy(out, s.mm[off:end])
	return out, nil
}

func (s *mmapSource) Size() (int64, error) {
	return int64(len(s.mm)), nil
}

func (s *mmapSource) Close() error {
	if err := s.mm.Unmap(); err != nil {
		return err
	}
	return s.f.Close()
}
