package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONLSink appends one JSON object per line. It is the file `results
// tail` follows.
type JSONLSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewJSONLSink opens path for appending, creating it and its directory.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	return &JSONLSink{f: f}, nil
}

func (s *JSONLSink) Write(_ context.Context, res schemas.SessionResult) error {
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// DecodeLine parses one line written by JSONLSink.
func DecodeLine(line []byte) (schemas.SessionResult, error) {
	var res schemas.SessionResult
	if err := json.Unmarshal(line, &res); err != nil {
		return res, fmt.Errorf("failed to decode result line: %w", err)
	}
	return res, nil
}
