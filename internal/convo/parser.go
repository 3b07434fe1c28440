package convo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/companionhq/companion/internal/metrics"
)

// maxLineSize bounds a single JSONL line. Tool results embedding whole
// files can get large; 16 MiB accommodates the CLI's own limit.
const maxLineSize = 16 * 1024 * 1024

// ParseResult carries the outcome of a (partial) file parse.
type ParseResult struct {
	Messages  []Message
	Skipped   int   // malformed lines skipped
	NewOffset int64 // byte offset after the last complete line consumed
}

// Parse reads newline-delimited JSON from r, starting message indexing
// at firstIndex. Malformed lines are counted and skipped; a parse never
// aborts the stream. Only newline-terminated lines are consumed: a
// trailing fragment is a write still in flight, so NewOffset stays at
// its start and the next parse picks up the completed line. Parsing
// from offset K of a file therefore yields the same messages as
// parsing from 0 and discarding those before K, for any K on the
// consumed prefix.
func Parse(r io.Reader, firstIndex int) ParseResult {
	var res ParseResult
	br := bufio.NewReaderSize(r, 64*1024)

	index := firstIndex
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			// EOF without a newline: leave the fragment unconsumed.
			return res
		}
		res.NewOffset += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > maxLineSize {
			res.Skipped++
			metrics.ParseErrorsTotal.Inc()
			continue
		}
		m, ok := decodeLine(trimmed, index)
		if !ok {
			res.Skipped++
			metrics.ParseErrorsTotal.Inc()
			continue
		}
		res.Messages = append(res.Messages, m)
		index++
	}
}

// FirstTimestamp returns the timestamp of the first decodable message
// in path. Chain ordering prefers it over file mtime, which can tie
// across a same-second rotation.
func FirstTimestamp(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if m, ok := decodeLine(trimmed, 0); ok && !m.Timestamp.IsZero() {
				return m.Timestamp, true
			}
		}
		if err != nil {
			return time.Time{}, false
		}
	}
}

// ParseFile parses path from the given byte offset. firstIndex is the
// index to assign to the first decoded message, so tail re-parses keep
// indices monotonic. Returns the new offset for the next incremental
// parse.
func ParseFile(path string, offset int64, firstIndex int) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ParseResult{}, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	res := Parse(f, firstIndex)
	res.NewOffset += offset
	return res, nil
}
