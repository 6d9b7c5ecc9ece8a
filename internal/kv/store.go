// Package kv implements the durable key-value store shared across
// automations. Storage is an append-only log of JSON records at
// <data-dir>/global_state.dat, fsynced after every mutation and
// rewritten in place once the log accumulates enough dead records.
package kv

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FileName is the store's file name inside the data directory.
const FileName = "global_state.dat"

// compactionSlack is how many log records beyond the live key count
// are tolerated before the log is rewritten.
const compactionSlack = 512

type record struct {
	Op    string      `json:"op"` // "set", "del", "clear"
	Key   string      `json:"k,omitempty"`
	// Value must not be omitempty: false, 0 and "" are legitimate
	// stored values.
	Value interface{} `json:"v"`
}

// Store is the global KV store. Set and Delete return only after the
// mutation has been fsynced, so a crash immediately after a call still
// observes the value on restart.
type Store struct {
	logger *zap.Logger
	path   string

	mu      sync.RWMutex
	file    *os.File
	data    map[string]interface{}
	records int // log records written since the last rewrite
}

// Open creates the data directory if needed, replays the existing log
// and returns a ready store.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{
		logger: logger.Named("kv"),
		path:   filepath.Join(dataDir, FileName),
		data:   make(map[string]interface{}),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	s.file = file

	s.logger.Info("Global state loaded",
		zap.String("path", s.path),
		zap.Int("keys", len(s.data)))
	return s, nil
}

func (s *Store) replay() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final write after a crash is expected; anything
			// readable before it has already been applied.
			s.logger.Warn("Skipping unreadable state record", zap.Error(err))
			continue
		}
		s.apply(rec)
		s.records++
	}
	return scanner.Err()
}

func (s *Store) apply(rec record) {
	switch rec.Op {
	case "set":
		s.data[rec.Key] = rec.Value
	case "del":
		delete(s.data, rec.Key)
	case "clear":
		s.data = make(map[string]interface{})
	}
}

// Get returns the stored value for key, or def when absent.
func (s *Store) Get(key string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Set durably stores value under key.
func (s *Store) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(record{Op: "set", Key: key, Value: value}); err != nil {
		return err
	}
	s.data[key] = value
	return s.maybeCompact()
}

// Delete durably removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	if err := s.append(record{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	return s.maybeCompact()
}

// Clear durably removes every key.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(record{Op: "clear"}); err != nil {
		return err
	}
	s.data = make(map[string]interface{})
	return s.rewrite()
}

// All returns a copy of the full map.
func (s *Store) All() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Keys returns all keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		s.file = nil
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) append(rec record) error {
	if s.file == nil {
		return fmt.Errorf("store is closed")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode state record: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write state record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	s.records++
	return nil
}

func (s *Store) maybeCompact() error {
	if s.records <= len(s.data)+compactionSlack {
		return nil
	}
	return s.rewrite()
}

// rewrite replaces the log with one set record per live key. The new
// log is written to a temp file, fsynced, then renamed over the old
// one so a crash mid-rewrite leaves a complete file either way.
func (s *Store) rewrite() error {
	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	count := 0
	for k, v := range s.data {
		line, err := json.Marshal(record{Op: "set", Key: k, Value: v})
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode state record: %w", err)
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write temp state file: %w", err)
		}
		count++
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	if s.file != nil {
		s.file.Close()
	}
	s.file, err = os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen state file: %w", err)
	}
	s.records = count

	s.logger.Debug("Compacted state log", zap.Int("records", count))
	return nil
}
