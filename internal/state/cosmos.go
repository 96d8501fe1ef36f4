package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/schester44/Snow-Bunny/internal/config"
)

// CosmosAPI is the subset of a Cosmos DB container client that CosmosStore
// uses, bound to one logical partition. This allows mocking in tests.
type CosmosAPI interface {
	// CreateItem fails with a 409 ResponseError when the id exists.
	CreateItem(ctx context.Context, item []byte) error
	// ReadItem fails with a 404 ResponseError when the id is missing.
	ReadItem(ctx context.Context, id string) ([]byte, error)
	UpsertItem(ctx context.Context, item []byte) error
	DeleteItem(ctx context.Context, id string) error
	// QueryItems returns the raw items matching query.
	QueryItems(ctx context.Context, query string, params []azcosmos.QueryParameter) ([][]byte, error)
	// ExecuteBatch applies ops atomically.
	ExecuteBatch(ctx context.Context, ops []CosmosBatchOp) (CosmosBatchResult, error)
}

// CosmosOpKind names one transactional batch operation.
type CosmosOpKind int

const (
	CosmosCreate CosmosOpKind = iota
	CosmosDelete
	// CosmosIncrement adds one to the item's /value.
	CosmosIncrement
)

// CosmosBatchOp is one operation of a transactional batch. Item is set for
// creates; ID for deletes and increments.
type CosmosBatchOp struct {
	Kind CosmosOpKind
	ID   string
	Item []byte
}

// CosmosBatchResult reports a batch outcome. StatusCodes follow the order
// of the submitted operations.
type CosmosBatchResult struct {
	Success     bool
	StatusCodes []int32
}

// realCosmosContainer wraps the SDK container client to satisfy CosmosAPI.
type realCosmosContainer struct {
	client *azcosmos.ContainerClient
	pk     azcosmos.PartitionKey
}

func (r *realCosmosContainer) CreateItem(ctx context.Context, item []byte) error {
	_, err := r.client.CreateItem(ctx, r.pk, item, nil)
	return err
}

func (r *realCosmosContainer) ReadItem(ctx context.Context, id string) ([]byte, error) {
	resp, err := r.client.ReadItem(ctx, r.pk, id, nil)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (r *realCosmosContainer) UpsertItem(ctx context.Context, item []byte) error {
	_, err := r.client.UpsertItem(ctx, r.pk, item, nil)
	return err
}

func (r *realCosmosContainer) DeleteItem(ctx context.Context, id string) error {
	_, err := r.client.DeleteItem(ctx, r.pk, id, nil)
	return err
}

func (r *realCosmosContainer) QueryItems(ctx context.Context, query string, params []azcosmos.QueryParameter) ([][]byte, error) {
	pager := r.client.NewQueryItemsPager(query, r.pk, &azcosmos.QueryOptions{QueryParameters: params})
	var items [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
	}
	return items, nil
}

func (r *realCosmosContainer) ExecuteBatch(ctx context.Context, ops []CosmosBatchOp) (CosmosBatchResult, error) {
	batch := r.client.NewTransactionalBatch(r.pk)
	for _, op := range ops {
		switch op.Kind {
		case CosmosCreate:
			batch.CreateItem(op.Item, nil)
		case CosmosDelete:
			batch.DeleteItem(op.ID, nil)
		case CosmosIncrement:
			patch := azcosmos.PatchOperations{}
			patch.AppendIncrement("/value", 1)
			batch.PatchItem(op.ID, patch, nil)
		}
	}
	resp, err := r.client.ExecuteTransactionalBatch(ctx, batch, nil)
	if err != nil {
		return CosmosBatchResult{}, err
	}
	res := CosmosBatchResult{Success: resp.Success}
	for _, op := range resp.OperationResults {
		res.StatusCodes = append(res.StatusCodes, op.StatusCode)
	}
	return res, nil
}

// CosmosStore implements Store on one Cosmos DB container. Every item lives
// in a single logical partition so RecordUploaded can use a transactional
// batch.
type CosmosStore struct {
	client    CosmosAPI
	partition string
	mu        sync.Mutex
}

type cosmosItem struct {
	ID         string `json:"id"`
	PK         string `json:"pk"`
	Type       string `json:"type"`
	Path       string `json:"path,omitempty"`
	ArchiveID  string `json:"archive_id,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	UploadedAt string `json:"uploaded_at,omitempty"`
	AddedAt    string `json:"added_at,omitempty"`
	Value      int64  `json:"value"`
}

// NewCosmosStore creates a CosmosStore and makes sure the counter item
// exists.
func NewCosmosStore(ctx context.Context, cfg config.CosmosConfig) (*CosmosStore, error) {
	if cfg.Database == "" || cfg.Container == "" {
		return nil, fmt.Errorf("cosmos database and container names are required")
	}

	var client *azcosmos.Client
	var err error
	opts := &azcosmos.ClientOptions{ClientOptions: policy.ClientOptions{}}
	switch {
	case cfg.ConnectionString != "":
		client, err = azcosmos.NewClientFromConnectionString(cfg.ConnectionString, opts)
	case cfg.MasterKey != "":
		var cred azcosmos.KeyCredential
		cred, err = azcosmos.NewKeyCredential(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, cred, opts)
	default:
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(cfg.Endpoint, cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	partition := cfg.Partition
	if partition == "" {
		partition = "default"
	}
	api := &realCosmosContainer{client: containerClient, pk: azcosmos.NewPartitionKeyString(partition)}
	s, err := NewCosmosStoreWithAPI(ctx, partition, api)
	if err != nil {
		return nil, err
	}
	slog.Info("Cosmos state store initialized", "database", cfg.Database, "container", cfg.Container, "partition", partition)
	return s, nil
}

// NewCosmosStoreWithAPI creates a CosmosStore over a pre-configured
// container client. This is primarily used for testing with mock clients.
func NewCosmosStoreWithAPI(ctx context.Context, partition string, api CosmosAPI) (*CosmosStore, error) {
	s := &CosmosStore{client: api, partition: partition}
	if err := s.ensureCounter(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func cosmosStatus(err error) int {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func (s *CosmosStore) item(id, typ string) cosmosItem {
	return cosmosItem{ID: id, PK: s.partition, Type: typ}
}

func (s *CosmosStore) ensureCounter(ctx context.Context) error {
	body, err := json.Marshal(s.item(docIDCounter, "counter"))
	if err != nil {
		return err
	}
	if err := s.client.CreateItem(ctx, body); err != nil && cosmosStatus(err) != http.StatusConflict {
		return fmt.Errorf("creating upload counter: %w", err)
	}
	return nil
}

func (s *CosmosStore) exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.ReadItem(ctx, id)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// listType returns every item of the given type in the partition.
func (s *CosmosStore) listType(ctx context.Context, typ string) ([]cosmosItem, error) {
	raws, err := s.client.QueryItems(ctx, "SELECT * FROM c WHERE c.type = @type",
		[]azcosmos.QueryParameter{{Name: "@type", Value: typ}})
	if err != nil {
		return nil, err
	}
	items := make([]cosmosItem, 0, len(raws))
	for _, raw := range raws {
		var ci cosmosItem
		if err := json.Unmarshal(raw, &ci); err != nil {
			continue
		}
		items = append(items, ci)
	}
	return items, nil
}

// LoadPending merges discovered paths into the pending set.
func (s *CosmosStore) LoadPending(ctx context.Context, discovered []string) (LoadResult, error) {
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
		it := s.item(docIDPending(p), docTypePending)
		it.Path = p
		it.AddedAt = now
		body, err := json.Marshal(it)
		if err != nil {
			return LoadResult{}, err
		}
		if err := s.client.CreateItem(ctx, body); err != nil {
			if cosmosStatus(err) == http.StatusConflict {
				res.Duplicates++
				continue
			}
			return LoadResult{}, fmt.Errorf("inserting pending %q: %w", p, err)
		}
		res.Added++
	}

	items, err := s.listType(ctx, docTypePending)
	if err != nil {
		return LoadResult{}, fmt.Errorf("counting pending: %w", err)
	}
	res.Pending = len(items)
	return res, nil
}

// IsUploaded reports whether path has an upload record.
func (s *CosmosStore) IsUploaded(ctx context.Context, path string) (bool, error) {
	ok, err := s.exists(ctx, docIDUploaded(path))
	if err != nil {
		return false, fmt.Errorf("checking uploaded %q: %w", path, err)
	}
	return ok, nil
}

// RecordUploaded creates the record, deletes the pending item and
// increments the counter in one transactional batch.
func (s *CosmosStore) RecordUploaded(ctx context.Context, rec Record) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// A batch fails as a whole if a delete misses, so only include the
	// pending delete when the item is there.
	pendingID := docIDPending(rec.FilePath)
	wasPending, err := s.exists(ctx, pendingID)
	if err != nil {
		return fmt.Errorf("checking pending %q: %w", rec.FilePath, err)
	}

	it := s.item(docIDUploaded(rec.FilePath), docTypeUploaded)
	it.Path = rec.FilePath
	it.ArchiveID = rec.ArchiveID
	it.Checksum = rec.Checksum
	it.UploadedAt = rec.UploadedAt.UTC().Format(timeFormat)
	body, err := json.Marshal(it)
	if err != nil {
		return err
	}

	ops := []CosmosBatchOp{{Kind: CosmosCreate, Item: body}}
	if wasPending {
		ops = append(ops, CosmosBatchOp{Kind: CosmosDelete, ID: pendingID})
	}
	ops = append(ops, CosmosBatchOp{Kind: CosmosIncrement, ID: docIDCounter})

	res, err := s.client.ExecuteBatch(ctx, ops)
	if err != nil {
		return fmt.Errorf("recording upload of %q: %w", rec.FilePath, err)
	}
	if res.Success {
		return nil
	}
	if len(res.StatusCodes) > 0 && res.StatusCodes[0] == http.StatusConflict {
		// Already recorded: only clear the pending entry.
		if wasPending {
			if err := s.client.DeleteItem(ctx, pendingID); err != nil && cosmosStatus(err) != http.StatusNotFound {
				return fmt.Errorf("removing pending %q: %w", rec.FilePath, err)
			}
		}
		return nil
	}
	return fmt.Errorf("recording upload of %q: transactional batch rejected", rec.FilePath)
}

// RemovePending deletes path from the pending set.
func (s *CosmosStore) RemovePending(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.DeleteItem(ctx, docIDPending(path)); err != nil && cosmosStatus(err) != http.StatusNotFound {
		return fmt.Errorf("removing pending %q: %w", path, err)
	}
	return nil
}

// SnapshotPending returns the pending paths in lexical order.
func (s *CosmosStore) SnapshotPending(ctx context.Context) ([]string, error) {
	items, err := s.listType(ctx, docTypePending)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	paths := make([]string, 0, len(items))
	for _, it := range items {
		paths = append(paths, it.Path)
	}
	sort.Strings(paths)
	return paths, nil
}

// TotalUploaded returns the upload counter.
func (s *CosmosStore) TotalUploaded(ctx context.Context) (int64, error) {
	raw, err := s.client.ReadItem(ctx, docIDCounter)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("reading upload counter: %w", err)
	}
	var ci cosmosItem
	if err := json.Unmarshal(raw, &ci); err != nil {
		return 0, fmt.Errorf("decoding upload counter: %w", err)
	}
	return ci.Value, nil
}

// Uploaded returns every upload record ordered by path.
func (s *CosmosStore) Uploaded(ctx context.Context) ([]Record, error) {
	items, err := s.listType(ctx, docTypeUploaded)
	if err != nil {
		return nil, fmt.Errorf("listing uploaded: %w", err)
	}
	recs := make([]Record, 0, len(items))
	for _, it := range items {
		at, _ := time.Parse(timeFormat, it.UploadedAt)
		recs = append(recs, Record{FilePath: it.Path, ArchiveID: it.ArchiveID, Checksum: it.Checksum, UploadedAt: at})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FilePath < recs[j].FilePath })
	return recs, nil
}

// SetTotalUploaded overwrites the upload counter.
func (s *CosmosStore) SetTotalUploaded(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.item(docIDCounter, "counter")
	it.Value = n
	body, err := json.Marshal(it)
	if err != nil {
		return err
	}
	if err := s.client.UpsertItem(ctx, body); err != nil {
		return fmt.Errorf("setting upload counter: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (s *CosmosStore) Close() error {
	return nil
}

// Ensure CosmosStore implements Store at compile time.
var _ Store = (*CosmosStore)(nil)
