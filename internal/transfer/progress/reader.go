// Package progress provides a byte-counting reader that reports transfer
// progress through a callback.
package progress

import "io"

// Reader wraps an io.Reader and invokes OnProgress as bytes flow through it.
// Total may be zero or negative when the final size is unknown.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written, total int64)

	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

// NewReader reports progress every interval bytes read.
func NewReader(r io.Reader, total, interval int64, cb func(written, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.sinceReport = 0
		}
	}

	if err == io.EOF && pr.sinceReport > 0 {
		// Final report so the callback always sees the complete count.
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.sinceReport = 0
	}

	return n, err
}
