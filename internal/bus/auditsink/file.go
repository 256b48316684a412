package auditsink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends one JSON line per accepted entry to a local file. It
// trades queryability for a zero-dependency audit trail that still survives
// a process restart. eventbusd does not select it: with no Postgres DSN
// configured, eventbusd uses NoopSink.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	enc *json.Encoder
}

// OpenFileSink opens (creating if absent) path in append mode.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("auditsink: open file sink: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("auditsink: write entry: %w", err)
	}
	return s.f.Sync()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
