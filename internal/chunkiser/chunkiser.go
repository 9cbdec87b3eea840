// Package chunkiser cuts a media source into numbered chunks for the
// streaming layer. Backends are picked by the "chunkiser" config tag.
package chunkiser

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"peerstreamer/internal/config"
	"peerstreamer/internal/debuglog"
)

const (
	DefaultPeriod  = 40 * time.Millisecond
	defaultBackend = "stream"
)

var (
	ErrOpenFailed = errors.New("chunkiser open failed")
	ErrClosed     = errors.New("chunkiser closed")
	// ErrNoChunk means the backend has nothing yet; try again next period.
	ErrNoChunk = errors.New("no chunk available")
)

type Chunk struct {
	ID        int
	Timestamp uint64
	Data      []byte
}

// Reader produces the payload of one chunk at a time.
type Reader interface {
	Next(id int) (data []byte, timestamp uint64, err error)
	Close() error
}

// Backend opens a Reader on source. It receives the requested period and
// returns the one it will actually use.
type Backend func(source string, period time.Duration, cfg config.Tags) (Reader, time.Duration, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// Register makes a backend available under name. It panics on a duplicate
// name or a nil backend.
func Register(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if b == nil {
		panic("chunkiser: Register backend is nil")
	}
	if _, dup := backends[name]; dup {
		panic("chunkiser: Register called twice for backend " + name)
	}
	backends[name] = b
}

func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	return b, ok
}

type InputStream struct {
	backend string
	r       Reader
}

// Open starts a chunk source. cfg may be nil. A period <= 0 lets the backend
// choose. An unregistered "chunkiser" name falls back to the stream backend.
func Open(source string, period time.Duration, cfg config.Tags) (*InputStream, time.Duration, error) {
	name := cfg.String("chunkiser", defaultBackend)
	b, ok := lookup(name)
	if !ok {
		debuglog.Logf("chunkiser %q not available, using %s", name, defaultBackend)
		name = defaultBackend
		b, ok = lookup(name)
		if !ok {
			return nil, 0, fmt.Errorf("%w: no %s backend", ErrOpenFailed, name)
		}
	}
	r, p, err := b(source, period, cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %q: %w", ErrOpenFailed, name, source, err)
	}
	return &InputStream{backend: name, r: r}, p, nil
}

func (s *InputStream) Backend() string {
	return s.backend
}

// Chunkise reads chunk id. It returns io.EOF at the end of the source and
// ErrNoChunk when nothing is ready yet.
func (s *InputStream) Chunkise(id int) (Chunk, error) {
	if s.r == nil {
		return Chunk{}, ErrClosed
	}
	data, ts, err := s.r.Next(id)
	if err != nil {
		return Chunk{}, err
	}
	if data == nil {
		return Chunk{}, ErrNoChunk
	}
	return Chunk{ID: id, Timestamp: ts, Data: data}, nil
}

func (s *InputStream) Close() error {
	if s == nil || s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

func timestamp(id int, period time.Duration) uint64 {
	if id < 0 {
		return 0
	}
	return uint64(id) * uint64(period.Microseconds())
}

var _ io.Closer = (*InputStream)(nil)
