package progress

import (
	"io"
	"sync/atomic"
)

// Reader wraps an io.Reader and reports cumulative progress through a callback every
// interval bytes and once more when the wrapped reader reaches EOF.
type Reader struct {
	reader     io.Reader
	total      int64
	interval   int64
	onProgress func(read, total int64)

	read       atomic.Int64
	sinceLast  int64
	reportedAt int64
}

// NewReader creates a progress Reader. total may be zero or negative when the size is
// unknown. A non-positive interval disables periodic reports.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		reader:     r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		read := r.read.Add(int64(n))
		r.sinceLast += int64(n)

		if r.interval > 0 && r.sinceLast >= r.interval {
			r.report(read)
		}
	}

	if err == io.EOF {
		if read := r.read.Load(); read != r.reportedAt {
			r.report(read)
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far. Safe to call concurrently with Read.
func (r *Reader) BytesRead() int64 {
	return r.read.Load()
}

func (r *Reader) report(read int64) {
	r.sinceLast = 0
	r.reportedAt = read

	if r.onProgress != nil {
		r.onProgress(read, r.total)
	}
}
