// Package chunk persists content-addressed chunks on local disk with an
// expiry, and tracks which peers are known to replicate each one.
package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const (
	DefaultTTL             = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultCacheSize       = 128
	DefaultChunkSize       = 256 << 10

	metadataFile = "metadata.json"
	chunkSuffix  = ".chunk"
)

var (
	ErrNotFound     = errors.New("chunk not found")
	ErrHashMismatch = errors.New("chunk data does not match hash")
)

// Meta describes a stored chunk.
type Meta struct {
	Size      int       `json:"size"`
	Peers     []string  `json:"peers"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type metadata struct {
	NodeID    string           `json:"node_id"`
	Chunks    map[string]*Meta `json:"chunks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Manager stores chunks under <storagePath>/<nodeID>.
type Manager struct {
	nodeID string
	dir    string
	ttl    time.Duration
	cache  *lru.Cache
	now    func() time.Time

	mu    sync.Mutex
	index map[string]*Meta
}

type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager opens the node's storage directory and reconciles the persisted
// index against the chunk files on disk.
func NewManager(nodeID, storagePath string, ttl time.Duration, cacheSize int, opts ...Option) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chunk cache")
	}

	m := &Manager{
		nodeID: nodeID,
		dir:    filepath.Join(storagePath, strings.ReplaceAll(nodeID, ":", "_")),
		ttl:    ttl,
		cache:  cache,
		now:    time.Now,
		index:  make(map[string]*Meta),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) chunkPath(hash string) string {
	return filepath.Join(m.dir, hash+chunkSuffix)
}

func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(m.dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read chunk metadata")
	}

	var md metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return errors.Wrap(err, "failed to decode chunk metadata")
	}
	if md.Chunks != nil {
		m.index = md.Chunks
	}

	dirty := false
	now := m.now()
	for hash, meta := range m.index {
		if meta == nil {
			slog.Warn("Dropping chunk with empty metadata", "chunk", Short(hash))
			m.removeLocked(hash)
			dirty = true
			continue
		}
		data, err := os.ReadFile(m.chunkPath(hash))
		switch {
		case err != nil:
			slog.Warn("Dropping chunk with missing file", "chunk", Short(hash))
			delete(m.index, hash)
		case !now.Before(meta.ExpiresAt) || !ValidateData(hash, data):
			slog.Warn("Dropping expired or corrupt chunk", "chunk", Short(hash))
			m.removeLocked(hash)
		default:
			continue
		}
		dirty = true
	}

	slog.Info("Loaded persisted chunks", "count", len(m.index), "dir", m.dir)
	if dirty {
		return m.saveLocked()
	}
	return nil
}

func (m *Manager) saveLocked() error {
	raw, err := json.MarshalIndent(metadata{
		NodeID:    m.nodeID,
		Chunks:    m.index,
		Timestamp: m.now().UTC(),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode chunk metadata")
	}

	// Write then rename so a crash never leaves a truncated index
	tmp := filepath.Join(m.dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errors.Wrap(err, "failed to write chunk metadata")
	}
	return errors.Wrap(os.Rename(tmp, filepath.Join(m.dir, metadataFile)), "failed to replace chunk metadata")
}

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateData reports whether data hashes to hash.
func ValidateData(hash string, data []byte) bool {
	return Hash(data) == hash
}

// Store writes data under hash and records the peers holding a replica.
func (m *Manager) Store(hash string, data []byte, peers []string) error {
	if !ValidateData(hash, data) {
		return errors.WithMessage(ErrHashMismatch, Short(hash))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.WriteFile(m.chunkPath(hash), data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write chunk %s", Short(hash))
	}

	now := m.now().UTC()
	meta := &Meta{
		Size:      len(data),
		Peers:     slices.Clone(peers),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if meta.Peers == nil {
		meta.Peers = []string{}
	}
	m.index[hash] = meta
	m.cache.Add(hash, slices.Clone(data))

	return m.saveLocked()
}

// Put stores data under its own hash.
func (m *Manager) Put(data []byte, peers []string) (string, error) {
	hash := Hash(data)
	return hash, m.Store(hash, data, peers)
}

// Retrieve reads a stored, unexpired chunk and re-validates its contents.
func (m *Manager) Retrieve(hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.index[hash]
	if !ok || !m.now().Before(meta.ExpiresAt) {
		return nil, errors.WithMessage(ErrNotFound, Short(hash))
	}

	if cached, ok := m.cache.Get(hash); ok {
		return slices.Clone(cached.([]byte)), nil
	}

	data, err := os.ReadFile(m.chunkPath(hash))
	if err != nil {
		slog.Warn("Chunk retrieval failed", "chunk", Short(hash), "error", err)
		return nil, errors.WithMessage(ErrNotFound, err.Error())
	}
	if !ValidateData(hash, data) {
		return nil, errors.WithMessage(ErrHashMismatch, Short(hash))
	}
	m.cache.Add(hash, slices.Clone(data))
	return data, nil
}

// AddPeer records that peer holds a replica of hash.
func (m *Manager) AddPeer(hash, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.index[hash]
	if !ok || slices.Contains(meta.Peers, peer) {
		return
	}
	meta.Peers = append(meta.Peers, peer)
	if err := m.saveLocked(); err != nil {
		slog.Error("Failed to persist chunk peers", "chunk", Short(hash), "error", err)
	}
}

// Delete removes a chunk and its metadata.
func (m *Manager) Delete(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[hash]; !ok {
		return nil
	}
	m.removeLocked(hash)
	return m.saveLocked()
}

func (m *Manager) removeLocked(hash string) {
	if err := os.Remove(m.chunkPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to delete chunk", "chunk", Short(hash), "error", err)
	}
	delete(m.index, hash)
	m.cache.Remove(hash)
}

// Validate reports whether hash is indexed, present on disk and unexpired.
func (m *Manager) Validate(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.index[hash]
	if !ok {
		return false
	}
	if _, err := os.Stat(m.chunkPath(hash)); err != nil {
		return false
	}
	return m.now().Before(meta.ExpiresAt)
}

func (m *Manager) Has(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.index[hash]
	return ok && m.now().Before(meta.ExpiresAt)
}

// Meta returns a copy of the metadata for hash.
func (m *Manager) Meta(hash string) (Meta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.index[hash]
	if !ok {
		return Meta{}, false
	}
	c := *meta
	c.Peers = slices.Clone(meta.Peers)
	return c, true
}

// Hashes lists the stored chunks in sorted order.
func (m *Manager) Hashes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.index))
	for hash := range m.index {
		out = append(out, hash)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// CleanupExpired deletes every chunk expired at now and returns the count.
func (m *Manager) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, meta := range m.index {
		if now.Before(meta.ExpiresAt) {
			continue
		}
		m.removeLocked(hash)
		removed++
	}
	if removed > 0 {
		if err := m.saveLocked(); err != nil {
			slog.Error("Failed to persist chunk metadata after cleanup", "error", err)
		}
	}
	slog.Info("Completed expired chunk cleanup", "removed", removed)
	return removed
}

// RunCleanup removes expired chunks every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupExpired(m.now())
		}
	}
}

// Split cuts data into chunks of at most size bytes.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Short abbreviates a hash for logging.
func Short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
