package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
)

// FileStore keeps one JSON file per (subject, run date, phase) under
// {dir}/{phase}/. Appending archives the previous revision under
// {dir}/{phase}/history/. Gate-blocked records go to {dir}/{phase}/blocked/
// and never replace the current record.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the location of the current record.
func (s *FileStore) Path(subjectID, runDate string, phase model.Phase) string {
	return filepath.Join(s.dir, string(phase), fileName(subjectID, runDate, phase))
}

func fileName(subjectID, runDate string, phase model.Phase) string {
	return fmt.Sprintf("%s_%s_%s.json", model.NormalizeSubject(subjectID), runDate, phase)
}

func (s *FileStore) historyPath(subjectID, runDate string, phase model.Phase, rev int) string {
	base := strings.TrimSuffix(fileName(subjectID, runDate, phase), ".json")
	return filepath.Join(s.dir, string(phase), "history", fmt.Sprintf("%s.r%03d.json", base, rev))
}

func checkKey(subjectID, runDate string, phase model.Phase) error {
	if !phase.Valid() {
		return eris.Errorf("store: unknown phase %q", phase)
	}
	subject := model.NormalizeSubject(subjectID)
	if subject == "" || strings.ContainsAny(subject, `/\`) || strings.Contains(subject, "..") {
		return eris.Errorf("store: invalid subject %q", subjectID)
	}
	if _, err := time.Parse(time.DateOnly, runDate); err != nil {
		return eris.Wrapf(err, "store: invalid run date %q", runDate)
	}
	return nil
}

// Append writes rec as the new current record. An existing record is moved
// to history first and rec.Revision is set to the next revision number.
func (s *FileStore) Append(ctx context.Context, rec *model.PhaseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(rec.SubjectID, rec.RunDate, rec.Phase); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read(s.Path(rec.SubjectID, rec.RunDate, rec.Phase))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	rec.Revision = 1
	if prev != nil {
		dst := s.historyPath(prev.SubjectID, prev.RunDate, prev.Phase, prev.Revision)
		if err := writeJSON(dst, prev); err != nil {
			return eris.Wrapf(err, "store: archive %s revision %d", prev.Phase, prev.Revision)
		}
		rec.Revision = prev.Revision + 1
	}
	return writeJSON(s.Path(rec.SubjectID, rec.RunDate, rec.Phase), rec)
}

// Overwrite replaces the current record in place without archiving. The
// revision number of the replaced record is kept.
func (s *FileStore) Overwrite(ctx context.Context, rec *model.PhaseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(rec.SubjectID, rec.RunDate, rec.Phase); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read(s.Path(rec.SubjectID, rec.RunDate, rec.Phase))
	switch {
	case errors.Is(err, ErrNotFound):
		rec.Revision = 1
	case err != nil:
		return err
	default:
		rec.Revision = prev.Revision
	}
	return writeJSON(s.Path(rec.SubjectID, rec.RunDate, rec.Phase), rec)
}

func (s *FileStore) blockedPath(subjectID, runDate string, phase model.Phase) string {
	return filepath.Join(s.dir, string(phase), "blocked", fileName(subjectID, runDate, phase))
}

// Quarantine stores a gate-blocked record next to, not over, the current
// one. Only the last blocked attempt is kept. rec.Blocked is set and
// rec.Revision is the revision an append would have given it.
func (s *FileStore) Quarantine(ctx context.Context, rec *model.PhaseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(rec.SubjectID, rec.RunDate, rec.Phase); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read(s.Path(rec.SubjectID, rec.RunDate, rec.Phase))
	switch {
	case errors.Is(err, ErrNotFound):
		rec.Revision = 1
	case err != nil:
		return err
	default:
		rec.Revision = prev.Revision + 1
	}
	rec.Blocked = true
	return writeJSON(s.blockedPath(rec.SubjectID, rec.RunDate, rec.Phase), rec)
}

// Quarantined returns the last blocked record or ErrNotFound.
func (s *FileStore) Quarantined(ctx context.Context, subjectID, runDate string, phase model.Phase) (*model.PhaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(subjectID, runDate, phase); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.blockedPath(subjectID, runDate, phase))
}

// Latest returns the current record or ErrNotFound.
func (s *FileStore) Latest(ctx context.Context, subjectID, runDate string, phase model.Phase) (*model.PhaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(subjectID, runDate, phase); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.Path(subjectID, runDate, phase))
}

// History returns every revision, oldest first, ending with the current one.
func (s *FileStore) History(ctx context.Context, subjectID, runDate string, phase model.Phase) ([]model.PhaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(subjectID, runDate, phase); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(fileName(subjectID, runDate, phase), ".json") + ".r"
	matches, err := filepath.Glob(filepath.Join(s.dir, string(phase), "history", prefix+"*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "store: glob history")
	}

	var out []model.PhaseRecord
	for _, m := range matches {
		rec, err := s.read(m)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	cur, err := s.read(s.Path(subjectID, runDate, phase))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		out = append(out, *cur)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (s *FileStore) read(path string) (*model.PhaseRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", filepath.Base(path))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: read %s", path)
	}
	var rec model.PhaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(err, "store: decode %s", path)
	}
	return &rec, nil
}

// writeJSON writes through a temp file and rename so readers never see a
// partial record.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "store: mkdir %s", filepath.Dir(path))
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "store: marshal record")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return eris.Wrap(err, "store: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "store: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "store: close temp file")
	}
	return eris.Wrapf(os.Rename(tmp.Name(), path), "store: rename to %s", path)
}
