// Package ledger provides the durable, append-only store of settled
// payments. The on-disk layout is one JSON record per line; earlier
// deployments wrote a single JSON array, which Open still reads and
// migrates to the line-oriented layout.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/xeipuuv/gojsonschema"
)

// Ledger is a durable, append-only payment log. Appends serialize through
// an exclusive lock and are flushed to disk before returning, so two
// concurrent appends can never lose a record.
type Ledger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	records []PaymentRecord
	schema  *gojsonschema.Schema
	logger  *log.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for load and append diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Open loads the payment log at path and prepares it for appending.
// A missing file yields an empty ledger; a corrupt or unreadable file
// yields an empty ledger and a logged warning rather than an error, so a
// damaged observability store never blocks startup.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile record schema: %w", err)
	}
	l.schema = schema

	l.load()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Keep serving from memory; appends will report the failure.
		l.logger.Warn("ledger file not writable, records kept in memory only",
			"path", path, "err", err)
	} else {
		l.file = file
	}

	return l, nil
}

// Append persists one record and adds it to the in-memory view. The write
// is synced to disk before Append returns; if persisting fails the record
// is still visible in memory and the error is returned so the caller can
// log the durability loss.
func (l *Ledger) Append(rec PaymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	l.records = append(l.records, rec)

	if l.file == nil {
		return fmt.Errorf("ledger file %s is not open for writing", l.path)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append payment record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync payment record: %w", err)
	}

	return nil
}

// All returns a copy of every record in append order.
func (l *Ledger) All() []PaymentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]PaymentRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Count returns the number of records.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.records)
}

// Close releases the underlying file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Ledger) load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read payment ledger, starting empty",
				"path", l.path, "err", err)
		}
		return
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		l.loadLegacyArray(trimmed)
		return
	}

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		rec, err := l.decodeRecord([]byte(raw))
		if err != nil {
			l.logger.Warn("skipping invalid ledger record",
				"path", l.path, "line", line, "err", err)
			continue
		}
		l.records = append(l.records, rec)
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("failed to scan payment ledger, keeping records read so far",
			"path", l.path, "err", err)
	}
}

// loadLegacyArray reads the original whole-file JSON array layout and
// rewrites it in the line-oriented layout so later appends stay append-only.
func (l *Ledger) loadLegacyArray(data []byte) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		l.logger.Warn("payment ledger is corrupt, starting empty",
			"path", l.path, "err", err)
		return
	}

	for i, raw := range raws {
		rec, err := l.decodeRecord(raw)
		if err != nil {
			l.logger.Warn("skipping invalid ledger record",
				"path", l.path, "index", i, "err", err)
			continue
		}
		l.records = append(l.records, rec)
	}

	if err := l.migrate(); err != nil {
		l.logger.Warn("failed to migrate legacy ledger layout",
			"path", l.path, "err", err)
	} else {
		l.logger.Info("migrated legacy ledger layout",
			"path", l.path, "records", len(l.records))
	}
}

// migrate rewrites the file as one record per line via a temp file and an
// atomic rename.
func (l *Ledger) migrate() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".migrate-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, rec := range l.records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), l.path)
}

func (l *Ledger) decodeRecord(data []byte) (PaymentRecord, error) {
	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("record is not valid JSON: %w", err)
	}
	if !result.Valid() {
		return PaymentRecord{}, fmt.Errorf("record failed schema validation: %v", result.Errors())
	}

	var rec PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PaymentRecord{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}
