// Package journal implements the crash-consistent test-progress record of
// spec.md §4.6: a single JSON file, written as whole-file replacements via an
// atomic temp-file-then-rename so a crash mid-write can never leave a
// corrupt or partially-written file on disk (spec.md §8 invariant 4).
package journal

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	renameio "github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Record is the persisted progress record of spec.md §3/§4.6.
type Record struct {
	Resume           bool            `json:"resume"`
	Command          json.RawMessage `json:"command,omitempty"`
	CurrentTestIndex int             `json:"current_test_index"`
	CycleIndex       int             `json:"cycle_index"`
	CurrentInputs    json.RawMessage `json:"current_inputs,omitempty"`
}

// Journal owns the on-disk file at Path. Callers must not write to Path
// except through Journal.
type Journal struct {
	path string
	log  zerolog.Logger

	mu sync.Mutex
}

// New returns a Journal backed by the file at path.
func New(path string, log zerolog.Logger) *Journal {
	return &Journal{path: path, log: log}
}

// Load reads the journal from disk. A missing or malformed file yields empty
// defaults (a fresh run) rather than an error, per spec.md §7 "Journal read
// failure: treat as fresh start".
func (j *Journal) Load() Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, err := os.ReadFile(j.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			j.log.Error().Err(err).Str("path", j.path).Msg("journal read failed, starting fresh")
		}
		return Record{}
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal malformed, starting fresh")
		return Record{}
	}
	return r
}

// Save atomically replaces the journal file with r. Write failures are
// logged but never abort the caller's test (spec.md §7 "Journal write
// failure").
func (j *Journal) Save(r Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, err := json.Marshal(r)
	if err != nil {
		j.log.Error().Err(err).Msg("journal marshal failed")
		return
	}
	if err := renameio.WriteFile(j.path, b, 0o644); err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal write failed, resume-ability may be lost")
	}
}

// Clear writes an empty record, used when /resume_cancel arrives while Idle
// (supplemented behavior, SPEC_FULL.md §C.2).
func (j *Journal) Clear() {
	j.Save(Record{})
}
