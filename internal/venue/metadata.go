package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// MetadataCache is the process-wide symbol to instrument-metadata mapping.
// It is populated lazily on the first successful scan and never invalidated;
// a miss means the caller must skip that symbol, not invent values.
type MetadataCache struct {
	mu       sync.RWMutex
	bySymbol map[string]AssetMeta
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{bySymbol: make(map[string]AssetMeta)}
}

// Empty reports whether the cache has not been populated yet.
func (m *MetadataCache) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySymbol) == 0
}

// Len returns the number of cached instruments.
func (m *MetadataCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySymbol)
}

// Populate fetches the instrument universe and fills the cache.
func (m *MetadataCache) Populate(ctx context.Context, info Info) error {
	metas, err := info.Meta(ctx)
	if err != nil {
		return fmt.Errorf("populate metadata: %w", err)
	}

	m.mu.Lock()
	for _, meta := range metas {
		m.bySymbol[meta.Symbol] = meta
	}
	count := len(m.bySymbol)
	m.mu.Unlock()

	log.Info().Int("instruments", count).Msg("📋 Instrument metadata cached")
	return nil
}

// Get returns the metadata for symbol, if cached.
func (m *MetadataCache) Get(symbol string) (AssetMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.bySymbol[symbol]
	return meta, ok
}
