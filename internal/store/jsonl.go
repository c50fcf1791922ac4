package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// maxLineBytes bounds a single JSONL record. Decision records carry full
// prompts, so the default bufio limit is too small.
const maxLineBytes = 4 * 1024 * 1024

// AppendJSONL appends v as a single newline-terminated JSON line to path,
// creating parent directories as needed. The line is written with one
// write call so concurrent readers never observe a partial record.
func AppendJSONL(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}

	return nil
}

// TailJSONL scans path line by line and returns the latest n records,
// newest last. It keeps a ring buffer of size n so large files are never
// slurped whole. Malformed lines are skipped. A missing file yields an
// empty result.
func TailJSONL(path string, n int) ([]json.RawMessage, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ring := make([]json.RawMessage, n)
	count := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make(json.RawMessage, len(line))
		copy(cp, line)
		ring[count%n] = cp
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", path, err)
	}

	if count == 0 {
		return nil, nil
	}

	size := count
	if size > n {
		size = n
	}
	out := make([]json.RawMessage, 0, size)
	for i := count - size; i < count; i++ {
		out = append(out, ring[i%n])
	}
	return out, nil
}
