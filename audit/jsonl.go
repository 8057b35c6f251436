package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/credential-registry/registry-api/models"
)

// JSONLSink appends events as JSON lines to a file. Queries scan the whole file.
type JSONLSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewJSONLSink creates or opens the file at path, creating its directory if needed.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{path: path, f: f}, nil
}

func (s *JSONLSink) Append(ctx context.Context, e *models.CredentialEvent) error {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	_, err = s.f.Write(data)
	return err
}

func (s *JSONLSink) QueryByTarget(ctx context.Context, recordID string) ([]*models.CredentialEvent, error) {
	s.mu.Lock()
	if s.f != nil {
		_ = s.f.Sync()
	}
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*models.CredentialEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e models.CredentialEvent
		// Skip torn or foreign lines.
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.TargetRecordID == recordID {
			out = append(out, &e)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, scanner.Err()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
