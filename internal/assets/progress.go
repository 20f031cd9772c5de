package assets

import "io"

// progressReader reports the fraction of total bytes read so far. With an
// unknown total it reports nothing until the end.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(float64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if n > 0 && p.onProgress != nil && p.total > 0 {
		fraction := float64(p.read) / float64(p.total)
		if fraction > 1 {
			fraction = 1
		}
		p.onProgress(fraction)
	}
	return n, err
}
