package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// JSONLSink appends one JSON object per line to a local file. Used when
// no database is configured, and as a belt-and-braces local trail.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

func NewJSONLSink(path string) *JSONLSink { return &JSONLSink{path: path} }

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) Append(_ context.Context, rec models.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
