// Package store persists discovered entities and members as append-only CSV
// tables with an in-memory index loaded at open.
package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/blockedby/tg-crawler/internal/logger"
)

var (
	// ErrDuplicateKey is returned by Insert when the key is already stored.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrDuplicateUnique is returned when a row's unique value is held by
	// another key.
	ErrDuplicateUnique = errors.New("duplicate unique value")
	// ErrKeyNotFound is returned by Update for unknown keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCorrupt is returned by Open when the durable file cannot be parsed.
	ErrCorrupt = errors.New("store file is corrupt")
	// ErrImmutableField is returned by Update for fields that cannot change.
	ErrImmutableField = errors.New("field cannot be updated")
	// ErrInvalidValue is returned by Update when the value does not parse.
	ErrInvalidValue = errors.New("invalid field value")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Schema describes how rows of R map to CSV records keyed by K.
type Schema[K comparable, R any] struct {
	Name   string
	Header []string
	Key    func(R) K
	Encode func(R) []string
	Decode func([]string) (R, error)
	// Unique, if set, returns a secondary value that must not repeat across
	// keys. Empty values are not indexed.
	Unique func(R) string
}

type writeKind int

const (
	writeInsert writeKind = iota
	writeUpdate
)

type writeReq[K comparable, R any] struct {
	kind   writeKind
	row    R
	key    K
	mutate func(*R) error
	resp   chan error
}

// Table is a CSV-backed table. A single writer goroutine owns the file and
// serializes every mutation; readers use the index under a read lock.
type Table[K comparable, R any] struct {
	path   string
	schema Schema[K, R]
	log    *logger.Logger

	mu     sync.RWMutex
	index  map[K]int
	unique map[string]K
	rows   []R

	file      *os.File
	hasHeader bool

	reqs      chan writeReq[K, R]
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenTable loads path (if present) and starts the writer.
func OpenTable[K comparable, R any](path string, schema Schema[K, R], log *logger.Logger) (*Table[K, R], error) {
	t := &Table[K, R]{
		path:   path,
		schema: schema,
		log:    logger.OrNop(log),
		index:  make(map[K]int),
		unique: make(map[string]K),
		reqs:   make(chan writeReq[K, R]),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", schema.Name, err)
	}
	if err := t.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", schema.Name, err)
	}
	t.file = f

	go t.writer()

	t.log.Info().Str("table", schema.Name).Str("path", path).Int("rows", len(t.rows)).Msg("store: table loaded")
	return t, nil
}

func (t *Table[K, R]) load() error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", t.schema.Name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(t.schema.Header)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s header: %w: %w", t.schema.Name, ErrCorrupt, err)
	}
	if !slices.Equal(header, t.schema.Header) {
		return fmt.Errorf("%s header %v: %w", t.schema.Name, header, ErrCorrupt)
	}
	t.hasHeader = true

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s line %d: %w: %w", t.schema.Name, line, ErrCorrupt, err)
		}
		row, err := t.schema.Decode(rec)
		if err != nil {
			return fmt.Errorf("%s line %d: %w: %w", t.schema.Name, line, ErrCorrupt, err)
		}
		key := t.schema.Key(row)
		if _, dup := t.index[key]; dup {
			t.log.Warn().Str("table", t.schema.Name).Int("line", line).Msg("store: duplicate row on disk, keeping first")
			continue
		}
		if t.uniqueTaken(key, row) {
			t.log.Warn().Str("table", t.schema.Name).Int("line", line).Msg("store: duplicate unique value on disk, keeping first")
			continue
		}
		t.put(key, row)
	}
}

func (t *Table[K, R]) writer() {
	defer close(t.done)
	for {
		select {
		case req := <-t.reqs:
			switch req.kind {
			case writeInsert:
				req.resp <- t.doInsert(req.row)
			case writeUpdate:
				req.resp <- t.doUpdate(req.key, req.mutate)
			}
		case <-t.quit:
			return
		}
	}
}

// doInsert runs on the writer goroutine, the only mutator of index and rows.
func (t *Table[K, R]) doInsert(row R) error {
	key := t.schema.Key(row)
	if _, ok := t.index[key]; ok {
		return ErrDuplicateKey
	}
	if t.uniqueTaken(key, row) {
		return ErrDuplicateUnique
	}

	w := csv.NewWriter(t.file)
	if !t.hasHeader {
		if err := w.Write(t.schema.Header); err != nil {
			return fmt.Errorf("write %s header: %w", t.schema.Name, err)
		}
	}
	if err := w.Write(t.schema.Encode(row)); err != nil {
		return fmt.Errorf("write %s row: %w", t.schema.Name, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", t.schema.Name, err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", t.schema.Name, err)
	}
	t.hasHeader = true

	t.mu.Lock()
	t.put(key, row)
	t.mu.Unlock()
	return nil
}

func (t *Table[K, R]) uniqueValue(row R) string {
	if t.schema.Unique == nil {
		return ""
	}
	return t.schema.Unique(row)
}

// uniqueTaken reports whether row's unique value is held by a key other than key.
func (t *Table[K, R]) uniqueTaken(key K, row R) bool {
	v := t.uniqueValue(row)
	if v == "" {
		return false
	}
	holder, ok := t.unique[v]
	return ok && holder != key
}

// put indexes a new row; callers hold mu or run before the writer starts.
func (t *Table[K, R]) put(key K, row R) {
	t.index[key] = len(t.rows)
	t.rows = append(t.rows, row)
	if v := t.uniqueValue(row); v != "" {
		t.unique[v] = key
	}
}

func (t *Table[K, R]) doUpdate(key K, mutate func(*R) error) error {
	i, ok := t.index[key]
	if !ok {
		return ErrKeyNotFound
	}
	updated := t.rows[i]
	if err := mutate(&updated); err != nil {
		return err
	}
	if t.uniqueTaken(key, updated) {
		return ErrDuplicateUnique
	}

	rows := slices.Clone(t.rows)
	rows[i] = updated
	if err := t.rewrite(rows); err != nil {
		return err
	}

	t.mu.Lock()
	if old := t.uniqueValue(t.rows[i]); old != "" {
		delete(t.unique, old)
	}
	if v := t.uniqueValue(updated); v != "" {
		t.unique[v] = key
	}
	t.rows[i] = updated
	t.mu.Unlock()
	return nil
}

// rewrite replaces the file atomically with rows and reopens the append handle.
func (t *Table[K, R]) rewrite(rows []R) error {
	tmp, err := os.CreateTemp(filepath.Dir(t.path), filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", t.schema.Name, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.schema.Header); err != nil {
		tmp.Close()
		return fmt.Errorf("rewrite %s: %w", t.schema.Name, err)
	}
	for _, row := range rows {
		if err := w.Write(t.schema.Encode(row)); err != nil {
			tmp.Close()
			return fmt.Errorf("rewrite %s: %w", t.schema.Name, err)
		}
	}
	w.Flush()
	if err := errors.Join(w.Error(), tmp.Sync(), tmp.Close()); err != nil {
		return fmt.Errorf("rewrite %s: %w", t.schema.Name, err)
	}

	if err := t.file.Close(); err != nil {
		t.log.Warn().Err(err).Str("table", t.schema.Name).Msg("store: close before rewrite")
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return errors.Join(fmt.Errorf("rewrite %s: %w", t.schema.Name, err), t.reopen())
	}
	t.hasHeader = true
	return t.reopen()
}

func (t *Table[K, R]) reopen() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", t.schema.Name, err)
	}
	t.file = f
	return nil
}

func (t *Table[K, R]) submit(ctx context.Context, req writeReq[K, R]) error {
	req.resp = make(chan error, 1)
	select {
	case t.reqs <- req:
	case <-t.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// once accepted the write runs to completion
	return <-req.resp
}

// Insert appends row durably. It fails with ErrDuplicateKey if the key exists.
func (t *Table[K, R]) Insert(ctx context.Context, row R) error {
	return t.submit(ctx, writeReq[K, R]{kind: writeInsert, row: row})
}

// Add inserts row unless its key is already stored, reporting whether it did.
// A unique value held by another key is still an error.
func (t *Table[K, R]) Add(ctx context.Context, row R) (bool, error) {
	if t.Exists(t.schema.Key(row)) {
		return false, nil
	}
	err := t.Insert(ctx, row)
	if errors.Is(err, ErrDuplicateKey) {
		return false, nil
	}
	return err == nil, err
}

// Update applies mutate to the row stored under key and rewrites the file.
func (t *Table[K, R]) Update(ctx context.Context, key K, mutate func(*R) error) error {
	return t.submit(ctx, writeReq[K, R]{kind: writeUpdate, key: key, mutate: mutate})
}

// Exists reports whether key is stored.
func (t *Table[K, R]) Exists(key K) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[key]
	return ok
}

// Get returns the row stored under key.
func (t *Table[K, R]) Get(key K) (R, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[key]
	if !ok {
		var zero R
		return zero, false
	}
	return t.rows[i], true
}

// All returns a snapshot of every row in insertion order.
func (t *Table[K, R]) All() []R {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.rows)
}

// Len returns the number of rows.
func (t *Table[K, R]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Path returns the durable file path.
func (t *Table[K, R]) Path() string {
	return t.path
}

// Close stops the writer and closes the file. In-flight writes complete first.
func (t *Table[K, R]) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		<-t.done
		err = t.file.Close()
	})
	return err
}
