package chunkiser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"peerstreamer/internal/config"
)

const DefaultChunkSize = 1024

func init() {
	Register("dummy", openDummy)
	Register("stream", openStream)
}

// dummy emits "chunk <id>" payloads, optionally padded to "size" bytes and
// stopping after "count" chunks. The source is ignored.
type dummy struct {
	period time.Duration
	size   int
	count  int
	sent   int
}

func openDummy(_ string, period time.Duration, cfg config.Tags) (Reader, time.Duration, error) {
	size, err := cfg.Int("size", 0)
	if err != nil {
		return nil, 0, err
	}
	count, err := cfg.Int("count", 0)
	if err != nil {
		return nil, 0, err
	}
	if size < 0 || count < 0 {
		return nil, 0, fmt.Errorf("size=%d count=%d", size, count)
	}
	period, err = cfg.Duration("period", period)
	if err != nil {
		return nil, 0, err
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &dummy{period: period, size: size, count: count}, period, nil
}

func (d *dummy) Next(id int) ([]byte, uint64, error) {
	if d.count > 0 && d.sent >= d.count {
		return nil, 0, io.EOF
	}
	d.sent++
	data := []byte(fmt.Sprintf("chunk %d", id))
	if len(data) < d.size {
		data = append(data, make([]byte, d.size-len(data))...)
	}
	return data, timestamp(id, d.period), nil
}

func (d *dummy) Close() error {
	return nil
}

// stream reads fixed size blocks from a file, "-" being stdin. The last
// block may be short.
type stream struct {
	f      *os.File
	br     *bufio.Reader
	period time.Duration
	size   int
}

func openStream(source string, period time.Duration, cfg config.Tags) (Reader, time.Duration, error) {
	size, err := cfg.Int("chunk_size", DefaultChunkSize)
	if err != nil {
		return nil, 0, err
	}
	if size <= 0 {
		return nil, 0, fmt.Errorf("chunk_size=%d", size)
	}
	period, err = cfg.Duration("period", period)
	if err != nil {
		return nil, 0, err
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	var f *os.File
	switch source {
	case "":
		return nil, 0, fmt.Errorf("no source")
	case "-":
		f = os.Stdin
	default:
		f, err = os.Open(source)
		if err != nil {
			return nil, 0, err
		}
	}
	return &stream{f: f, br: bufio.NewReaderSize(f, size), period: period, size: size}, period, nil
}

func (s *stream) Next(id int) ([]byte, uint64, error) {
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.br, buf)
	switch {
	case err == io.EOF:
		return nil, 0, io.EOF
	case err == io.ErrUnexpectedEOF:
		buf = buf[:n]
	case err != nil:
		return nil, 0, fmt.Errorf("read chunk %d: %w", id, err)
	}
	return buf, timestamp(id, s.period), nil
}

func (s *stream) Close() error {
	if s.f == os.Stdin {
		return nil
	}
	return s.f.Close()
}
