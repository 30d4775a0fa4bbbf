package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fundme/internal/fundme"
)

// depositClaimTTL keeps deposit claims for the life of the deployment.
const depositClaimTTL = 100 * 365 * 24 * time.Hour

// Receipt is a response cached under an idempotency key.
type Receipt struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Pending reports whether the receipt only reserves its key for a request
// still in progress.
func (r Receipt) Pending() bool {
	return r.StatusCode == 0
}

// PendingReceipt reserves a key until ttl passes or a response is saved.
func PendingReceipt(now time.Time, ttl time.Duration) Receipt {
	return Receipt{Response: []byte{}, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// Store persists the ledger snapshot and API receipts of one deployment.
type Store interface {
	fundme.Store
	GetReceipt(ctx context.Context, key string) (*Receipt, error)
	SaveReceipt(ctx context.Context, key string, receipt Receipt) error
	// Reserve stores receipt unless an unexpired receipt already holds key, and
	// reports whether it did.
	Reserve(ctx context.Context, key string, receipt Receipt) (bool, error)
	DeleteReceipt(ctx context.Context, key string) error
	// ClaimDeposit records a deposit transaction and reports whether it was new.
	ClaimDeposit(ctx context.Context, hash common.Hash) (bool, error)
}

func depositKey(hash common.Hash) string {
	return "deposit:" + hash.Hex()
}

func depositClaim() Receipt {
	now := time.Now().UTC()
	return Receipt{StatusCode: 200, Response: []byte{}, CreatedAt: now, ExpiresAt: now.Add(depositClaimTTL)}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu       sync.RWMutex
	ledger   *fundme.Snapshot
	receipts map[string]Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]Receipt),
	}
}

func (m *MemoryStore) LoadLedger(_ context.Context) (*fundme.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ledger == nil {
		return nil, nil
	}
	snap := m.ledger.Clone()
	return &snap, nil
}

func (m *MemoryStore) SaveLedger(_ context.Context, snapshot fundme.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := snapshot.Clone()
	m.ledger = &snap
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, key string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.receipts[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) SaveReceipt(_ context.Context, key string, receipt Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[key] = receipt
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, receipt Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.receipts[key]; ok && !time.Now().After(rec.ExpiresAt) {
		return false, nil
	}
	m.receipts[key] = receipt
	return true, nil
}

func (m *MemoryStore) DeleteReceipt(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.receipts, key)
	return nil
}

func (m *MemoryStore) ClaimDeposit(ctx context.Context, hash common.Hash) (bool, error) {
	return m.Reserve(ctx, depositKey(hash), depositClaim())
}

// FileStore persists everything to a single JSON document. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data fileData
}

type fileData struct {
	Ledger   *fundme.Snapshot   `json:"ledger,omitempty"`
	Receipts map[string]Receipt `json:"receipts"`
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: fileData{Receipts: make(map[string]Receipt)},
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	if f.data.Receipts == nil {
		f.data.Receipts = make(map[string]Receipt)
	}
	return nil
}

// persist replaces the document with a rename.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) LoadLedger(_ context.Context) (*fundme.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data.Ledger == nil {
		return nil, nil
	}
	snap := f.data.Ledger.Clone()
	return &snap, nil
}

func (f *FileStore) SaveLedger(_ context.Context, snapshot fundme.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.data.Ledger
	snap := snapshot.Clone()
	f.data.Ledger = &snap
	if err := f.persist(); err != nil {
		f.data.Ledger = prev
		return err
	}
	return nil
}

func (f *FileStore) GetReceipt(_ context.Context, key string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data.Receipts[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(f.data.Receipts, key)
		_ = f.persist()
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) SaveReceipt(_ context.Context, key string, receipt Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data.Receipts[key]
	f.data.Receipts[key] = receipt
	if err := f.persist(); err != nil {
		f.restoreReceipt(key, prev, had)
		return err
	}
	return nil
}

func (f *FileStore) Reserve(_ context.Context, key string, receipt Receipt) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data.Receipts[key]
	if had && !time.Now().After(prev.ExpiresAt) {
		return false, nil
	}
	f.data.Receipts[key] = receipt
	if err := f.persist(); err != nil {
		f.restoreReceipt(key, prev, had)
		return false, err
	}
	return true, nil
}

func (f *FileStore) DeleteReceipt(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data.Receipts[key]
	if !had {
		return nil
	}
	delete(f.data.Receipts, key)
	if err := f.persist(); err != nil {
		f.restoreReceipt(key, prev, had)
		return err
	}
	return nil
}

func (f *FileStore) ClaimDeposit(ctx context.Context, hash common.Hash) (bool, error) {
	return f.Reserve(ctx, depositKey(hash), depositClaim())
}

func (f *FileStore) restoreReceipt(key string, prev Receipt, had bool) {
	if had {
		f.data.Receipts[key] = prev
		return
	}
	delete(f.data.Receipts, key)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
