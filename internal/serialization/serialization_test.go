package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schester44/Snow-Bunny/internal/state"
)

func newSQLite(t *testing.T) *state.SQLiteStore {
	t.Helper()
	s, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "db.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s state.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.LoadPending(ctx, []string{"/photos/c.jpg", "/photos/a.jpg", "/photos/b.jpg"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUploaded(ctx, state.Record{FilePath: "/photos/b.jpg", ArchiveID: "arch-b", Checksum: "sum-b"}); err != nil {
		t.Fatal(err)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	seed(t, s)

	var buf bytes.Buffer
	doc, err := WriteDocument(ctx, s, &buf)
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if doc.TotalUploaded != 1 {
		t.Errorf("TotalUploaded = %d, want 1", doc.TotalUploaded)
	}
	if len(doc.FilesToUpload) != 2 || doc.FilesToUpload[0] != "/photos/a.jpg" || doc.FilesToUpload[1] != "/photos/c.jpg" {
		t.Errorf("FilesToUpload = %v", doc.FilesToUpload)
	}
	if len(doc.FilesUploaded) != 1 || doc.FilesUploaded[0].ArchiveID != "arch-b" {
		t.Errorf("FilesUploaded = %+v", doc.FilesUploaded)
	}

	var raw map[string]any
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	for _, key := range []string{"filesUploaded", "filesToUpload", "totalUploaded"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("exported document missing %q", key)
		}
	}
}

func TestExportEmptyStore(t *testing.T) {
	doc, err := Export(context.Background(), newSQLite(t))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, _ := doc.Marshal()
	if !strings.Contains(string(data), `"filesToUpload": []`) || !strings.Contains(string(data), `"filesUploaded": []`) {
		t.Errorf("empty export should carry empty arrays, got %s", data)
	}
}

func TestImportIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	doc := &state.Document{
		FilesUploaded: []state.UploadedEntry{
			{FilePath: "/a", ArchiveID: "arch-a", Checksum: "sum-a"},
			{FilePath: "/b", ArchiveID: "arch-b", Checksum: "sum-b"},
			{FilePath: "", ArchiveID: "orphan"},
		},
		FilesToUpload: []string{"/a", "/c", "/d", "/c"},
		TotalUploaded: 7,
	}
	s := newSQLite(t)

	res, err := Import(ctx, s, doc, &ImportOptions{KeepCounter: true})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Records != 2 || res.Skipped != 1 || len(res.Warnings) != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Pending.Added != 2 || res.Pending.AlreadyUploaded != 1 {
		t.Errorf("pending = %+v, want 2 added and 1 already uploaded", res.Pending)
	}
	if res.TotalUploaded != 7 {
		t.Errorf("TotalUploaded = %d, want 7", res.TotalUploaded)
	}

	pending, _ := s.SnapshotPending(ctx)
	if len(pending) != 2 || pending[0] != "/c" || pending[1] != "/d" {
		t.Errorf("pending = %v, want [/c /d]", pending)
	}
	total, _ := s.TotalUploaded(ctx)
	if total != 7 {
		t.Errorf("store counter = %d, want 7", total)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	doc := &state.Document{
		FilesUploaded: []state.UploadedEntry{{FilePath: "/a", ArchiveID: "arch-a", Checksum: "sum-a"}},
		FilesToUpload: []string{"/b"},
	}
	s := newSQLite(t)
	if _, err := Import(ctx, s, doc, nil); err != nil {
		t.Fatal(err)
	}
	res, err := Import(ctx, s, doc, nil)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if res.Records != 0 || res.Skipped != 1 || res.Pending.Added != 0 || res.Pending.Duplicates != 1 {
		t.Errorf("second import = %+v", res)
	}
	if res.TotalUploaded != 1 {
		t.Errorf("counter = %d, want 1", res.TotalUploaded)
	}
}

func TestImportWithoutCounterSetter(t *testing.T) {
	ctx := context.Background()
	// Embedding only the interface hides SetTotalUploaded.
	s := struct{ state.Store }{newSQLite(t)}
	doc := &state.Document{
		FilesUploaded: []state.UploadedEntry{{FilePath: "/a", ArchiveID: "arch-a"}},
		TotalUploaded: 10,
	}
	res, err := Import(ctx, s, doc, &ImportOptions{KeepCounter: true})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.TotalUploaded != 1 || len(res.Warnings) != 1 {
		t.Errorf("result = %+v, want counter 1 and one warning", res)
	}
}

func TestRoundTripAcrossEngines(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t)
	seed(t, src)

	var buf bytes.Buffer
	if _, err := WriteDocument(ctx, src, &buf); err != nil {
		t.Fatal(err)
	}
	doc, err := ReadDocument(&buf)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}

	dst, err := state.NewJSONStore(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if _, err := Import(ctx, dst, doc, &ImportOptions{KeepCounter: true}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	ok, _ := dst.IsUploaded(ctx, "/photos/b.jpg")
	if !ok {
		t.Error("/photos/b.jpg not uploaded in destination")
	}
	pending, _ := dst.SnapshotPending(ctx)
	if len(pending) != 2 {
		t.Errorf("pending = %v, want 2 files", pending)
	}
	total, _ := dst.TotalUploaded(ctx)
	if total != 1 {
		t.Errorf("counter = %d, want 1", total)
	}
}

func TestReadDocumentRejectsGarbage(t *testing.T) {
	if _, err := ReadDocument(strings.NewReader("not json")); err == nil {
		t.Fatal("expected an error for a malformed document")
	}
}
