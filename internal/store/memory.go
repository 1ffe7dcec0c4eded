// Package store provides the persistence implementations behind the
// reconcile and sync store interfaces: an in-memory store for tests
// and single-node development, and a Postgres store for production.
package store

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
	"github.com/deskhubhq/deskhub/internal/sync"
)

type linkKey struct {
	platform platform.Type
	nativeID string
}

type messageKey struct {
	platform        platform.Type
	nativeMessageID string
}

// Memory is a mutex-guarded in-memory store. It enforces the same
// uniqueness guards as the Postgres schema so reconciler race handling
// is exercised identically in tests.
type Memory struct {
	mu gosync.Mutex

	customers map[string]reconcile.Customer
	links     map[string]reconcile.PlatformLink
	linkIndex map[linkKey]string
	messages  map[string]reconcile.Message
	msgIndex  map[messageKey]string
	records   map[string]sync.Record
}

var _ reconcile.Store = (*Memory)(nil)
var _ sync.RecordStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		customers: map[string]reconcile.Customer{},
		links:     map[string]reconcile.PlatformLink{},
		linkIndex: map[linkKey]string{},
		messages:  map[string]reconcile.Message{},
		msgIndex:  map[messageKey]string{},
		records:   map[string]sync.Record{},
	}
}

func (m *Memory) CreateCustomer(_ context.Context, customer reconcile.Customer) (reconcile.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.customers[customer.ID]; exists {
		return reconcile.Customer{}, fmt.Errorf("customer %s already exists", customer.ID)
	}
	m.customers[customer.ID] = customer
	return customer, nil
}

func (m *Memory) GetCustomer(_ context.Context, id string) (reconcile.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customer, ok := m.customers[id]
	if !ok {
		return reconcile.Customer{}, reconcile.ErrNotFound
	}
	return customer, nil
}

func (m *Memory) UpdateCustomer(_ context.Context, customer reconcile.Customer) (reconcile.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[customer.ID]; !ok {
		return reconcile.Customer{}, reconcile.ErrNotFound
	}
	m.customers[customer.ID] = customer
	return customer, nil
}

func (m *Memory) CreateLink(_ context.Context, link reconcile.PlatformLink) (reconcile.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey{platform: link.Platform, nativeID: link.NativeID}
	if _, exists := m.linkIndex[key]; exists {
		return reconcile.PlatformLink{}, reconcile.ErrDuplicateLink
	}
	m.links[link.ID] = link
	m.linkIndex[key] = link.ID
	return link, nil
}

func (m *Memory) GetLink(_ context.Context, id string) (reconcile.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return reconcile.PlatformLink{}, reconcile.ErrNotFound
	}
	return link, nil
}

func (m *Memory) FindLinkByNativeID(_ context.Context, platformType platform.Type, nativeID string) (reconcile.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.linkIndex[linkKey{platform: platformType, nativeID: nativeID}]
	if !ok {
		return reconcile.PlatformLink{}, reconcile.ErrNotFound
	}
	return m.links[id], nil
}

func (m *Memory) FindLinkByCustomer(_ context.Context, customerID string, platformType platform.Type) (reconcile.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.CustomerID == customerID && link.Platform == platformType {
			return link, nil
		}
	}
	return reconcile.PlatformLink{}, reconcile.ErrNotFound
}

func (m *Memory) ListLinks(_ context.Context) ([]reconcile.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]reconcile.PlatformLink, 0, len(m.links))
	for _, link := range m.links {
		items = append(items, link)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *Memory) UpdateLink(_ context.Context, link reconcile.PlatformLink) (reconcile.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.links[link.ID]
	if !ok {
		return reconcile.PlatformLink{}, reconcile.ErrNotFound
	}
	if existing.Platform != link.Platform || existing.NativeID != link.NativeID {
		return reconcile.PlatformLink{}, fmt.Errorf("link identity is immutable")
	}
	m.links[link.ID] = link
	return link, nil
}

func (m *Memory) CreateMessage(_ context.Context, message reconcile.Message) (reconcile.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.NativeMessageID != "" {
		key := messageKey{platform: message.Platform, nativeMessageID: message.NativeMessageID}
		if _, exists := m.msgIndex[key]; exists {
			return reconcile.Message{}, reconcile.ErrDuplicateMessage
		}
		m.msgIndex[key] = message.ID
	}
	m.messages[message.ID] = message
	return message, nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (reconcile.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok {
		return reconcile.Message{}, reconcile.ErrNotFound
	}
	return message, nil
}

func (m *Memory) FindMessageByNativeID(_ context.Context, platformType platform.Type, nativeMessageID string) (reconcile.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.msgIndex[messageKey{platform: platformType, nativeMessageID: nativeMessageID}]
	if !ok {
		return reconcile.Message{}, reconcile.ErrNotFound
	}
	return m.messages[id], nil
}

func (m *Memory) UpdateMessage(_ context.Context, message reconcile.Message) (reconcile.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[message.ID]; !ok {
		return reconcile.Message{}, reconcile.ErrNotFound
	}
	m.messages[message.ID] = message
	return message, nil
}

func (m *Memory) CreateRecord(_ context.Context, record sync.Record) (sync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; exists {
		return sync.Record{}, fmt.Errorf("sync record %s already exists", record.ID)
	}
	m.records[record.ID] = record
	return record, nil
}

func (m *Memory) GetRecord(_ context.Context, id string) (sync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return sync.Record{}, sync.ErrSyncNotFound
	}
	return record, nil
}

func (m *Memory) UpdateRecord(_ context.Context, record sync.Record) (sync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; !ok {
		return sync.Record{}, sync.ErrSyncNotFound
	}
	m.records[record.ID] = record
	return record, nil
}

func (m *Memory) ListRecordsByLink(_ context.Context, linkID string, limit, offset int) ([]sync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]sync.Record, 0)
	for _, record := range m.records {
		if record.LinkID == linkID {
			items = append(items, record)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.After(items[j].StartedAt) })
	if offset >= len(items) {
		return []sync.Record{}, nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) ListUnfinishedRecords(_ context.Context) ([]sync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]sync.Record, 0)
	for _, record := range m.records {
		if !record.Status.Terminal() {
			items = append(items, record)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.Before(items[j].StartedAt) })
	return items, nil
}
