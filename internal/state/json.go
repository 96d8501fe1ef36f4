package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// JSONStore implements Store on a single JSON document in the legacy
// layout. Every mutation rewrites the file atomically (temp file + rename)
// before returning.
type JSONStore struct {
	path string

	mu       sync.Mutex
	pending  map[string]struct{}
	uploaded map[string]Record
	total    int64
}

// NewJSONStore opens the document at path, or starts empty if it does not
// exist. Duplicate entries in the file are collapsed.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path:     path,
		pending:  make(map[string]struct{}),
		uploaded: make(map[string]Record),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	for _, r := range doc.Records() {
		if r.FilePath != "" {
			s.uploaded[r.FilePath] = r
		}
	}
	for _, p := range doc.FilesToUpload {
		if _, done := s.uploaded[p]; !done && p != "" {
			s.pending[p] = struct{}{}
		}
	}
	s.total = doc.TotalUploaded
	return s, nil
}

// document renders the in-memory state. Callers hold s.mu.
func (s *JSONStore) document() *Document {
	doc := &Document{
		FilesUploaded: make([]UploadedEntry, 0, len(s.uploaded)),
		FilesToUpload: s.sortedPending(),
		TotalUploaded: s.total,
	}
	for _, r := range s.uploaded {
		doc.FilesUploaded = append(doc.FilesUploaded, UploadedEntry{FilePath: r.FilePath, ArchiveID: r.ArchiveID, Checksum: r.Checksum})
	}
	sort.Slice(doc.FilesUploaded, func(i, j int) bool { return doc.FilesUploaded[i].FilePath < doc.FilesUploaded[j].FilePath })
	return doc
}

func (s *JSONStore) sortedPending() []string {
	out := make([]string, 0, len(s.pending))
	for p := range s.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// save writes the document atomically. Callers hold s.mu.
func (s *JSONStore) save() error {
	data, err := s.document().Marshal()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// syncFile flushes a temp file before it is renamed into place.
var syncFile = (*os.File).Sync

// writeFileAtomic writes data to a temp file in the target's directory,
// fsyncs it and renames it over path, so a crash leaves either the old or
// the new document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create state temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write state temp file: %w", err)
	}
	// Fsync before rename so the new name never points at unflushed data.
	if err := syncFile(tmpFile); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync state temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close state temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod state temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable. Failures are ignored; not every
// platform can fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// LoadPending merges discovered paths into the pending set.
func (s *JSONStore) LoadPending(ctx context.Context, discovered []string) (LoadResult, error) {
	paths := dedupe(discovered)
	s.mu.Lock()
	defer s.mu.Unlock()

	res := LoadResult{Discovered: len(paths)}
	for _, p := range paths {
		if _, ok := s.uploaded[p]; ok {
			res.AlreadyUploaded++
			continue
		}
		if _, ok := s.pending[p]; ok {
			res.Duplicates++
			continue
		}
		s.pending[p] = struct{}{}
		res.Added++
	}
	res.Pending = len(s.pending)
	if err := s.save(); err != nil {
		return LoadResult{}, err
	}
	return res, nil
}

// IsUploaded reports whether path has an upload record.
func (s *JSONStore) IsUploaded(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.uploaded[path]
	return ok, nil
}

// RecordUploaded inserts the record, clears the pending entry and bumps the
// counter, then persists all three in one file write. On a failed write the
// in-memory state is rolled back.
func (s *JSONStore) RecordUploaded(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, wasPending := s.pending[rec.FilePath]
	if _, exists := s.uploaded[rec.FilePath]; exists {
		if !wasPending {
			return nil
		}
		delete(s.pending, rec.FilePath)
		if err := s.save(); err != nil {
			s.pending[rec.FilePath] = struct{}{}
			return err
		}
		return nil
	}

	s.uploaded[rec.FilePath] = rec
	delete(s.pending, rec.FilePath)
	s.total++
	if err := s.save(); err != nil {
		delete(s.uploaded, rec.FilePath)
		if wasPending {
			s.pending[rec.FilePath] = struct{}{}
		}
		s.total--
		return err
	}
	return nil
}

// RemovePending deletes path from the pending set.
func (s *JSONStore) RemovePending(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[path]; !ok {
		return nil
	}
	delete(s.pending, path)
	if err := s.save(); err != nil {
		s.pending[path] = struct{}{}
		return err
	}
	return nil
}

// SnapshotPending returns the pending paths in lexical order.
func (s *JSONStore) SnapshotPending(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPending(), nil
}

// TotalUploaded returns the upload counter.
func (s *JSONStore) TotalUploaded(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}

// Uploaded returns every upload record ordered by path.
func (s *JSONStore) Uploaded(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document().Records(), nil
}

// SetTotalUploaded overwrites the upload counter.
func (s *JSONStore) SetTotalUploaded(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.total
	s.total = n
	if err := s.save(); err != nil {
		s.total = prev
		return err
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *JSONStore) Close() error {
	return nil
}

// Ensure JSONStore implements Store at compile time.
var _ Store = (*JSONStore)(nil)
