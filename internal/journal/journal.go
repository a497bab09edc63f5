// Package journal defines an append-only trade record store with read-all
// for analytics. The file-backed implementation is directory-rooted like the
// shutdown snapshot writer (see internal/shutdown), but appends JSON lines
// through os.OpenFile with O_APPEND instead of rewriting the file with
// os.WriteFile.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Journal is the external trade-record collaborator.
type Journal interface {
	AppendTrade(record types.TradeRecord) error
	ReadAllTrades() ([]types.TradeRecord, error)
}

// Memory is an in-process Journal for tests.
type Memory struct {
	mu      sync.Mutex
	records []types.TradeRecord
}

// NewMemory constructs an empty Memory journal.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) AppendTrade(record types.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *Memory) ReadAllTrades() ([]types.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TradeRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

// FileJournal is an append-only JSON-lines Journal rooted at a directory.
type FileJournal struct {
	mu   sync.Mutex
	path string
}

// NewFileJournal constructs a FileJournal writing to <dir>/trades.jsonl,
// creating dir if necessary.
func NewFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileJournal{path: filepath.Join(dir, "trades.jsonl")}, nil
}

func (f *FileJournal) AppendTrade(record types.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	return enc.Encode(record)
}

func (f *FileJournal) ReadAllTrades() ([]types.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []types.TradeRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
