package cache

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"solararchive/internal/fusion"
)

type memoryItem struct {
	composite fusion.Composite
	storedAt  time.Time
}

// MemoryStore is a bounded in-process LRU tier.
type MemoryStore struct {
	items *lru.Cache[Key, memoryItem]
	log   *slog.Logger
}

// NewMemoryStore holds at most size composites.
func NewMemoryStore(size int, logger *slog.Logger) (*MemoryStore, error) {
	if size < 1 {
		size = 1
	}
	items, err := lru.New[Key, memoryItem](size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{items: items, log: logger.With("component", "cache-memory")}, nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (fusion.Composite, bool) {
	item, ok := m.items.Get(key)
	if !ok {
		return fusion.Composite{}, false
	}
	return cloneComposite(item.composite), true
}

func (m *MemoryStore) Put(_ context.Context, key Key, c fusion.Composite) error {
	if evicted := m.items.Add(key, memoryItem{composite: cloneComposite(c), storedAt: time.Now().UTC()}); evicted {
		m.log.Debug("memory cache evicted oldest entry", "size", m.items.Len())
	}
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, key Key) error {
	m.items.Remove(key)
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.items.Purge()
	return nil
}

func (m *MemoryStore) List(context.Context) ([]Entry, error) {
	keys := m.items.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		item, ok := m.items.Peek(k)
		if !ok {
			continue
		}
		out = append(out, Entry{
			Key:        k,
			Name:       k.String(),
			Tier:       "memory",
			FrameCount: item.composite.FrameCount,
			Width:      item.composite.Grid.Width,
			Height:     item.composite.Grid.Height,
			StoredAt:   item.storedAt,
		})
	}
	return out, nil
}
