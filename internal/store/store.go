// Package store provides crash-safe durable state using JSON files.
//
// Layout under the data directory:
//
//	accounts/<accountID>.json          one file per account
//	orders/<orderID>.json              one file per order (live and terminal)
//	positions/<accountID>_<symbol>.json  one file per open position
//	executions.log                     append-only JSON lines, one per fill
//
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The execution log is
// the audit trail: append-only, never rewritten. On startup the engine
// reloads accounts, positions, and open orders from here (cold-boot reload).
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tradenode/pkg/types"
)

// Store persists trading state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir  string
	mu   sync.Mutex
	exec *os.File // executions.log, opened append-only
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"accounts", "orders", "positions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	execLog, err := os.OpenFile(filepath.Join(dir, "executions.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	return &Store{dir: dir, exec: execLog}, nil
}

// Close releases the execution log handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.Close()
}

// SaveAccount atomically persists an account.
func (s *Store) SaveAccount(a types.Account) error {
	return s.writeJSON(filepath.Join("accounts", a.ID+".json"), a)
}

// LoadAccounts restores all accounts from disk.
func (s *Store) LoadAccounts() ([]types.Account, error) {
	var out []types.Account
	err := s.readAll("accounts", func(data []byte) error {
		var a types.Account
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// SaveOrder atomically persists an order, live or terminal.
func (s *Store) SaveOrder(o types.Order) error {
	return s.writeJSON(filepath.Join("orders", o.ID+".json"), o)
}

// LoadOrder reads one order by ID. Returns (nil, nil) when no file exists.
func (s *Store) LoadOrder(id string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "orders", id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read order %s: %w", id, err)
	}
	var o types.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &o, nil
}

// LoadOpenOrders restores every non-terminal order from disk, for reloading
// the book on startup.
func (s *Store) LoadOpenOrders() ([]types.Order, error) {
	var out []types.Order
	err := s.readAll("orders", func(data []byte) error {
		var o types.Order
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		if o.Status.IsOpen() {
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

// SavePosition atomically persists a position.
func (s *Store) SavePosition(p types.Position) error {
	return s.writeJSON(filepath.Join("positions", positionFile(p.AccountID, p.Symbol)), p)
}

// DeletePosition removes a closed position's file. Missing files are fine.
func (s *Store) DeletePosition(accountID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, "positions", positionFile(accountID, symbol)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// LoadPositions restores all open positions from disk.
func (s *Store) LoadPositions() ([]types.Position, error) {
	var out []types.Position
	err := s.readAll("positions", func(data []byte) error {
		var p types.Position
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// AppendExecution appends one record to the execution log.
func (s *Store) AppendExecution(rec types.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.exec.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return s.exec.Sync()
}

// Executions reads the full execution log.
func (s *Store) Executions() ([]types.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, "executions.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	defer f.Close()

	var out []types.ExecutionRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec types.ExecutionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode execution log: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// writeJSON marshals v and atomically replaces the file at rel.
func (s *Store) writeJSON(rel string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}

	path := filepath.Join(s.dir, rel)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return os.Rename(tmp, path)
}

// readAll feeds every .json file in a subdirectory to fn.
func (s *Store) readAll(sub string, fn func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		return fmt.Errorf("read %s dir: %w", sub, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, sub, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := fn(data); err != nil {
			return fmt.Errorf("decode %s: %w", e.Name(), err)
		}
	}
	return nil
}

func positionFile(accountID, symbol string) string {
	return accountID + "_" + symbol + ".json"
}
