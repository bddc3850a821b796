package blocksource

import (
	"io"

	"github.com/orcaman/writerseeker"
)

// memorySource is the in-memory Source used by table writers building
// a table entirely in memory (and by tests). It wraps
// writerseeker.WriterSeeker, which grows on Write and exposes its
// accumulated bytes as a *bytes.Reader for random-access reads.
type memorySource struct {
	ws *writerseeker.WriterSeeker
}

// NewMemory wraps an existing writerseeker.WriterSeeker as a Source.
// Callers writing a table entirely in memory use the same
// WriterSeeker both to receive the writer's output and to read it back
// through this Source.
func NewMemory(ws *writerseeker.WriterSeeker) Source {
	return &memorySource{ws: ws}
}

func (s *memorySource) ReadBlock(off int64, size int) ([]byte, error) {
	br := s.ws.BytesReader()
	buf := make([]byte, size)
	n, err := br.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (s *memorySource) Size() (int64, error) {
	return int64(s.ws.BytesReader().Len()), nil
}

func (s *memorySource) Close() error { return nil }
