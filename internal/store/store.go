// internal/store/store.go
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Rotation limits for AppendJSONL. A file that would exceed either limit is
// renamed to path.1 (shifting older rotations up) before the write.
var (
	MaxLinesPerFile       = 100000
	MaxBytesPerFile int64 = 64 << 20
	MaxRotations          = 3
)

const maxScanSize = 1 << 20

var (
	lineMu    sync.Mutex
	lineCount = make(map[string]int)
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends v as one JSON line, rotating the file first when it is
// full.
func AppendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if len(line) > maxScanSize {
		return fmt.Errorf("store: record of %d bytes exceeds %d", len(line), maxScanSize)
	}

	lineMu.Lock()
	defer lineMu.Unlock()
	lines, size, err := fileStats(path)
	if err != nil {
		return err
	}
	if lines > 0 && (lines >= MaxLinesPerFile || size+int64(len(line)) > MaxBytesPerFile) {
		if err := rotate(path); err != nil {
			return err
		}
		lines = 0
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	lineCount[path] = lines + 1
	return syncFile(f)
}

// fileStats returns the line count and size of path; lineMu must be held.
func fileStats(path string) (int, int64, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		delete(lineCount, path)
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if n, ok := lineCount[path]; ok {
		return n, st.Size(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	lineCount[path] = n
	return n, st.Size(), nil
}

func rotationName(path string, i int) string {
	if i == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, i)
}

func rotate(path string) error {
	if MaxRotations <= 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		delete(lineCount, path)
		return nil
	}
	_ = os.Remove(rotationName(path, MaxRotations))
	for i := MaxRotations - 1; i >= 0; i-- {
		err := os.Rename(rotationName(path, i), rotationName(path, i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	delete(lineCount, path)
	syncDir(path)
	return nil
}

// LoadJSONL decodes every record of path and its rotations, oldest first.
// Malformed lines are skipped; a missing file is empty.
func LoadJSONL[T any](path string) ([]T, error) {
	var out []T
	for i := MaxRotations; i >= 0; i-- {
		f, err := os.Open(rotationName(path, i))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sc := newScanner(f)
		for sc.Scan() {
			var v T
			if err := json.Unmarshal(sc.Bytes(), &v); err == nil {
				out = append(out, v)
			}
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RewriteJSONL atomically replaces path with recs and drops its rotations.
func RewriteJSONL[T any](path string, recs []T) error {
	lineMu.Lock()
	defer lineMu.Unlock()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// Close before Rename for Windows.
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	for i := 1; i <= MaxRotations; i++ {
		_ = os.Remove(rotationName(path, i))
	}
	lineCount[path] = len(recs)
	syncDir(path)
	return nil
}
