// Package state – watch.go implements a poll-based tailer for job output
// logs. New complete records are delivered as they land; a partial trailing
// line is held back until its newline arrives.
package state

import (
	"bytes"
	"context"
	"errors"
	"os"
	"time"
)

// watchPollInterval is how often the tailer re-reads the output file.
const watchPollInterval = 100 * time.Millisecond

// WatchJobOutput streams records appended to a job's output log. The returned
// channel is closed when ctx is cancelled or stop is called. Records already
// present at watch start are delivered first.
func (s *Store) WatchJobOutput(ctx context.Context, id string) (<-chan OutputRecord, func(), error) {
	path, err := s.jobOutputPath(id)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan OutputRecord, 64)
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		var offset int64

		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()

		for {
			offset = s.drainNewRecords(watchCtx, path, offset, out)
			select {
			case <-watchCtx.Done():
				// Final drain so records written just before the job went
				// terminal are not lost.
				s.drainNewRecords(context.Background(), path, offset, out)
				return
			case <-ticker.C:
			}
		}
	}()

	return out, cancel, nil
}

// drainNewRecords reads complete lines past offset and sends them. Returns
// the new offset (end of the last complete line consumed).
func (s *Store) drainNewRecords(ctx context.Context, path string, offset int64, out chan<- OutputRecord) int64 {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("watch: cannot open output log", "path", path, "error", err)
		}
		return offset
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return offset
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return offset
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return offset
	}
	buf = buf[:n]

	// Only consume up to the last newline; a trailing partial line stays
	// buffered on disk for the next poll.
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return offset
	}
	complete := buf[:last+1]

	for _, rec := range parseOutputLines(complete) {
		select {
		case out <- rec:
		case <-ctx.Done():
			return offset + int64(last+1)
		}
	}
	return offset + int64(last+1)
}
