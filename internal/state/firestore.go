package state

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schester44/Snow-Bunny/internal/config"
)

const (
	docTypePending  = "pending"
	docTypeUploaded = "uploaded"
	docIDCounter    = "counter_" + counterTotalUploaded
)

// FirestoreAPI is the subset of Firestore that FirestoreStore uses, bound
// to one collection. Documents are plain field maps. This allows mocking in
// tests.
type FirestoreAPI interface {
	// Get fails with codes.NotFound when the document is missing.
	Get(ctx context.Context, id string) (map[string]interface{}, error)
	// Create fails with codes.AlreadyExists when the document exists.
	Create(ctx context.Context, id string, data map[string]interface{}) error
	Set(ctx context.Context, id string, data map[string]interface{}) error
	Delete(ctx context.Context, id string) error
	// FindByType returns every document whose type field equals docType.
	FindByType(ctx context.Context, docType string) ([]map[string]interface{}, error)
	// Ping reads at most one document.
	Ping(ctx context.Context) error
	// RunTransaction runs fn atomically and retries it on contention.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx FirestoreTx) error) error
	Close() error
}

// FirestoreTx is the transaction handle passed to RunTransaction. Reads
// must happen before writes.
type FirestoreTx interface {
	Get(id string) (map[string]interface{}, error)
	Create(id string, data map[string]interface{}) error
	Delete(id string) error
	// Increment adds delta to an integer field, creating the document when
	// it is missing.
	Increment(id, field string, delta int64) error
}

// realFirestore wraps the official client to satisfy FirestoreAPI.
type realFirestore struct {
	client     *firestore.Client
	collection string
}

func (r *realFirestore) ref() *firestore.CollectionRef {
	return r.client.Collection(r.collection)
}

func (r *realFirestore) Get(ctx context.Context, id string) (map[string]interface{}, error) {
	doc, err := r.ref().Doc(id).Get(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Data(), nil
}

func (r *realFirestore) Create(ctx context.Context, id string, data map[string]interface{}) error {
	_, err := r.ref().Doc(id).Create(ctx, data)
	return err
}

func (r *realFirestore) Set(ctx context.Context, id string, data map[string]interface{}) error {
	_, err := r.ref().Doc(id).Set(ctx, data)
	return err
}

func (r *realFirestore) Delete(ctx context.Context, id string) error {
	_, err := r.ref().Doc(id).Delete(ctx)
	return err
}

func (r *realFirestore) FindByType(ctx context.Context, docType string) ([]map[string]interface{}, error) {
	it := r.ref().Where("type", "==", docType).Documents(ctx)
	defer it.Stop()
	var docs []map[string]interface{}
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc.Data())
	}
}

func (r *realFirestore) Ping(ctx context.Context) error {
	_, err := r.ref().Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (r *realFirestore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx FirestoreTx) error) error {
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &realFirestoreTx{tx: tx, ref: r.ref()})
	})
}

func (r *realFirestore) Close() error {
	return r.client.Close()
}

type realFirestoreTx struct {
	tx  *firestore.Transaction
	ref *firestore.CollectionRef
}

func (t *realFirestoreTx) Get(id string) (map[string]interface{}, error) {
	doc, err := t.tx.Get(t.ref.Doc(id))
	if err != nil {
		return nil, err
	}
	return doc.Data(), nil
}

func (t *realFirestoreTx) Create(id string, data map[string]interface{}) error {
	return t.tx.Create(t.ref.Doc(id), data)
}

func (t *realFirestoreTx) Delete(id string) error {
	return t.tx.Delete(t.ref.Doc(id))
}

func (t *realFirestoreTx) Increment(id, field string, delta int64) error {
	return t.tx.Set(t.ref.Doc(id), map[string]interface{}{
		"type": "counter",
		field:  firestore.Increment(delta),
	}, firestore.MergeAll)
}

// FirestoreStore implements Store on one Firestore collection. Document IDs
// embed the base64url-encoded path because paths contain slashes.
type FirestoreStore struct {
	client FirestoreAPI
	mu     sync.Mutex
}

func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func docIDPending(path string) string {
	return "pending_" + encodeKey(path)
}

func docIDUploaded(path string) string {
	return "uploaded_" + encodeKey(path)
}

// NewFirestoreStore creates a FirestoreStore. Credentials come from the
// configured file or Application Default Credentials.
func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "snowbunny"
	}
	s := NewFirestoreStoreWithAPI(&realFirestore{client: client, collection: collection})
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("reaching firestore collection %q: %w", collection, err)
	}
	slog.Info("Firestore state store initialized", "project", cfg.ProjectID, "collection", collection)
	return s, nil
}

// NewFirestoreStoreWithAPI creates a FirestoreStore over a pre-configured
// client. This is primarily used for testing with mock clients.
func NewFirestoreStoreWithAPI(api FirestoreAPI) *FirestoreStore {
	return &FirestoreStore{client: api}
}

// Ping checks that the collection can be read.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *FirestoreStore) exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.Get(ctx, id)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func docString(doc map[string]interface{}, field string) string {
	str, _ := doc[field].(string)
	return str
}

// LoadPending merges discovered paths into the pending set.
func (s *FirestoreStore) LoadPending(ctx context.Context, discovered []string) (LoadResult, error) {
	paths := dedupe(discovered)
	s.mu.Lock()
	defer s.mu.Unlock()

	res := LoadResult{Discovered: len(paths)}
	now := time.Now().UTC().Format(timeFormat)
	for _, p := range paths {
		done, err := s.exists(ctx, docIDUploaded(p))
		if err != nil {
			return LoadResult{}, fmt.Errorf("checking uploaded %q: %w", p, err)
		}
		if done {
			res.AlreadyUploaded++
			continue
		}
		err = s.client.Create(ctx, docIDPending(p), map[string]interface{}{
			"type":     docTypePending,
			"path":     p,
			"added_at": now,
		})
		if err != nil {
			if status.Code(err) == codes.AlreadyExists {
				res.Duplicates++
				continue
			}
			return LoadResult{}, fmt.Errorf("inserting pending %q: %w", p, err)
		}
		res.Added++
	}

	docs, err := s.client.FindByType(ctx, docTypePending)
	if err != nil {
		return LoadResult{}, fmt.Errorf("counting pending: %w", err)
	}
	res.Pending = len(docs)
	return res, nil
}

// IsUploaded reports whether path has an upload record.
func (s *FirestoreStore) IsUploaded(ctx context.Context, path string) (bool, error) {
	ok, err := s.exists(ctx, docIDUploaded(path))
	if err != nil {
		return false, fmt.Errorf("checking uploaded %q: %w", path, err)
	}
	return ok, nil
}

// RecordUploaded creates the record, deletes the pending document and
// increments the counter in one Firestore transaction.
func (s *FirestoreStore) RecordUploaded(ctx context.Context, rec Record) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	uploadedID := docIDUploaded(rec.FilePath)
	pendingID := docIDPending(rec.FilePath)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx FirestoreTx) error {
		_, err := tx.Get(uploadedID)
		switch {
		case err == nil:
			// Already recorded: only clear the pending entry.
			return tx.Delete(pendingID)
		case status.Code(err) != codes.NotFound:
			return err
		}
		if err := tx.Create(uploadedID, map[string]interface{}{
			"type":        docTypeUploaded,
			"path":        rec.FilePath,
			"archive_id":  rec.ArchiveID,
			"checksum":    rec.Checksum,
			"uploaded_at": rec.UploadedAt.UTC().Format(timeFormat),
		}); err != nil {
			return err
		}
		if err := tx.Delete(pendingID); err != nil {
			return err
		}
		return tx.Increment(docIDCounter, "value", 1)
	})
	if err != nil {
		return fmt.Errorf("recording upload of %q: %w", rec.FilePath, err)
	}
	return nil
}

// RemovePending deletes path from the pending set.
func (s *FirestoreStore) RemovePending(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Delete(ctx, docIDPending(path)); err != nil {
		return fmt.Errorf("removing pending %q: %w", path, err)
	}
	return nil
}

// SnapshotPending returns the pending paths in lexical order.
func (s *FirestoreStore) SnapshotPending(ctx context.Context) ([]string, error) {
	docs, err := s.client.FindByType(ctx, docTypePending)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	paths := make([]string, 0, len(docs))
	for _, d := range docs {
		paths = append(paths, docString(d, "path"))
	}
	sort.Strings(paths)
	return paths, nil
}

// TotalUploaded returns the upload counter.
func (s *FirestoreStore) TotalUploaded(ctx context.Context) (int64, error) {
	doc, err := s.client.Get(ctx, docIDCounter)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("reading upload counter: %w", err)
	}
	n, _ := doc["value"].(int64)
	return n, nil
}

// Uploaded returns every upload record ordered by path.
func (s *FirestoreStore) Uploaded(ctx context.Context) ([]Record, error) {
	docs, err := s.client.FindByType(ctx, docTypeUploaded)
	if err != nil {
		return nil, fmt.Errorf("listing uploaded: %w", err)
	}
	recs := make([]Record, 0, len(docs))
	for _, d := range docs {
		at, _ := time.Parse(timeFormat, docString(d, "uploaded_at"))
		recs = append(recs, Record{
			FilePath:   docString(d, "path"),
			ArchiveID:  docString(d, "archive_id"),
			Checksum:   docString(d, "checksum"),
			UploadedAt: at,
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FilePath < recs[j].FilePath })
	return recs, nil
}

// SetTotalUploaded overwrites the upload counter.
func (s *FirestoreStore) SetTotalUploaded(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.client.Set(ctx, docIDCounter, map[string]interface{}{
		"type":  "counter",
		"value": n,
	})
	if err != nil {
		return fmt.Errorf("setting upload counter: %w", err)
	}
	return nil
}

// Close closes the Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Ensure FirestoreStore implements Store at compile time.
var _ Store = (*FirestoreStore)(nil)
