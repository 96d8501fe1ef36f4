package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
	"github.com/schester44/Snow-Bunny/internal/uid"
)

// memSession is one open multipart upload held by MemoryClient.
type memSession struct {
	vault    string
	partSize int64
	parts    map[int64][]byte // key: range start
}

// StoredArchive is an archive completed in a MemoryClient vault.
type StoredArchive struct {
	ID       string
	Vault    string
	Checksum string
	Data     []byte
}

// MemoryClient implements Client with in-memory vaults. Completion
// reassembles the parts and recomputes the tree hash, rejecting a declared
// checksum that does not match the way Glacier does.
type MemoryClient struct {
	mu       sync.Mutex
	vaults   map[string]map[string]StoredArchive
	sessions map[string]*memSession

	// autoCreate makes CheckVault create unknown vaults (dry runs).
	autoCreate bool
}

// NewMemoryClient creates a MemoryClient with the given vaults.
func NewMemoryClient(vaults ...string) *MemoryClient {
	c := &MemoryClient{
		vaults:   make(map[string]map[string]StoredArchive),
		sessions: make(map[string]*memSession),
	}
	for _, v := range vaults {
		c.vaults[v] = make(map[string]StoredArchive)
	}
	return c
}

// NewDryRunClient creates a MemoryClient that accepts any vault name.
func NewDryRunClient() *MemoryClient {
	c := NewMemoryClient()
	c.autoCreate = true
	return c
}

// CheckVault reports whether the vault exists.
func (c *MemoryClient) CheckVault(ctx context.Context, vault string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vaults[vault]; ok {
		return nil
	}
	if c.autoCreate {
		c.vaults[vault] = make(map[string]StoredArchive)
		return nil
	}
	return fmt.Errorf("vault %q not found", vault)
}

// Initiate opens a session in an existing vault.
func (c *MemoryClient) Initiate(ctx context.Context, vault string, partSize int64) (*Upload, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vaults[vault]; !ok {
		if !c.autoCreate {
			return nil, fmt.Errorf("vault %q not found", vault)
		}
		c.vaults[vault] = make(map[string]StoredArchive)
	}
	id := uid.New()
	c.sessions[id] = &memSession{vault: vault, partSize: partSize, parts: make(map[int64][]byte)}
	return NewUpload(vault, id, partSize, ""), nil
}

// UploadPart stores a copy of the part's bytes.
func (c *MemoryClient) UploadPart(ctx context.Context, up *Upload, r ByteRange, data []byte) error {
	if int64(len(data)) != r.Len() {
		return fmt.Errorf("part %s has %d bytes", r, len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.sessions[up.ID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("upload %s: %w", up.ID, bberrors.ErrNoSuchUpload)
	}
	if r.Start%s.partSize != 0 || r.Len() > s.partSize {
		c.mu.Unlock()
		return fmt.Errorf("part %s not aligned to part size %d", r, s.partSize)
	}
	s.parts[r.Start] = append([]byte(nil), data...)
	c.mu.Unlock()

	treeHash := TreeHash(data)
	up.addReceipt(PartReceipt{
		Range:    r,
		Number:   up.PartNumber(r),
		Checksum: CombineTreeHashes([][]byte{treeHash}),
		TreeHash: treeHash,
	})
	return nil
}

// Complete reassembles the stored parts, checks size and tree hash, and
// stores the archive. The session is closed whether or not it succeeds.
func (c *MemoryClient) Complete(ctx context.Context, up *Upload, size int64, checksum string) (*Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[up.ID]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", up.ID, bberrors.ErrNoSuchUpload)
	}
	delete(c.sessions, up.ID)

	starts := make([]int64, 0, len(s.parts))
	for start := range s.parts {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	data := make([]byte, 0, size)
	for _, start := range starts {
		if int64(len(data)) != start {
			return nil, fmt.Errorf("upload %s missing bytes at offset %d: %w", up.ID, len(data), ErrChecksumMismatch)
		}
		data = append(data, s.parts[start]...)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("upload %s has %d bytes, declared %d: %w", up.ID, len(data), size, ErrChecksumMismatch)
	}
	computed := ComputeChecksum(data)
	if !strings.EqualFold(computed, checksum) {
		return nil, fmt.Errorf("upload %s declared %s, computed %s: %w", up.ID, checksum, computed, ErrChecksumMismatch)
	}

	id := uid.New()
	c.vaults[s.vault][id] = StoredArchive{ID: id, Vault: s.vault, Checksum: computed, Data: data}
	return &Archive{
		ID:       id,
		Checksum: computed,
		Location: "/" + s.vault + "/archives/" + id,
	}, nil
}

// Abort drops the session and its parts.
func (c *MemoryClient) Abort(ctx context.Context, up *Upload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, up.ID)
	return nil
}

// Archives returns the archives stored in a vault, ordered by ID.
func (c *MemoryClient) Archives(vault string) []StoredArchive {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StoredArchive, 0, len(c.vaults[vault]))
	for _, a := range c.vaults[vault] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenSessions returns the number of sessions not yet completed or aborted.
func (c *MemoryClient) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Ensure MemoryClient implements Client at compile time.
var _ Client = (*MemoryClient)(nil)
