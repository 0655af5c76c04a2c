package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/eventgate/backend/internal/config"
)

// Feed tails a JSONL file and emits one event per appended line. It stands in
// for an externally-fed stream: whatever writes the file (a consumer bridge,
// another process) owns the upstream mechanics; the feed only consumes the
// resulting records.
//
// Tailing starts at the current end of the file, so subscribers see new
// records only. A shrinking file is treated as truncation and tailing resets
// to the start.
type Feed struct {
	id       string
	path     string
	interval time.Duration
	lazy     bool
}

func NewFeed(cfg config.SourceConfig) *Feed {
	return &Feed{
		id:       cfg.ID,
		path:     cfg.Path,
		interval: cfg.Interval,
		lazy:     cfg.IsLazy(),
	}
}

func (f *Feed) ID() string   { return f.id }
func (f *Feed) Kind() string { return config.KindFeed }
func (f *Feed) Finite() bool { return false }
func (f *Feed) Lazy() bool   { return f.lazy }

func (f *Feed) Run(ctx context.Context, sink Sink) error {
	var offset int64
	if info, err := os.Stat(f.path); err == nil {
		offset = info.Size()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var line int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		newOffset, emitted, err := f.readFrom(offset, line, sink)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("feed %s: read error: %v", f.id, err)
			}
			continue
		}
		offset = newOffset
		line += emitted
	}
}

// readFrom reads complete lines starting at offset and dispatches one event
// per valid JSON object. It returns the new offset (the end of the last
// complete line) and the number of events emitted.
func (f *Feed) readFrom(offset, line int64, sink Sink) (int64, int64, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return offset, 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, 0, err
	}
	if info.Size() < offset {
		// File was truncated or rotated; start over.
		offset = 0
	}
	if info.Size() == offset {
		return offset, 0, nil
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, 0, err
	}

	reader := bufio.NewReader(file)
	var emitted int64
	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line: leave it for the next poll.
			break
		}
		offset += int64(len(raw))

		record := bytes.TrimSpace(raw)
		if len(record) == 0 {
			continue
		}
		if !json.Valid(record) {
			log.Printf("feed %s: skipping malformed line", f.id)
			continue
		}
		emitted++
		seq := line + emitted
		sink.Dispatch(Event{
			SourceID: f.id,
			Seq:      seq,
			Payload:  FeedPayload{Line: seq, Record: append(json.RawMessage(nil), record...)},
		})
	}
	return offset, emitted, nil
}
