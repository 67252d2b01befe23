package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// MemoryStore is an in-process ObjectStore for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data []byte
	info ObjectInfo
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	sum := md5.Sum(stored)

	m.objects[key] = memObject{
		data: stored,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(stored)),
			ETag:         hex.EncodeToString(sum[:]),
			ContentType:  opts.ContentType,
			LastModified: time.Now().UTC(),
			Metadata:     lowerKeys(opts.Metadata),
		},
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, *ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrorTypeNotFound, "object not found: %s", key)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	info := obj.info
	return data, &info, nil
}

func (m *MemoryStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "object not found: %s", key)
	}
	info := obj.info
	return &info, nil
}

func (m *MemoryStore) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.objects[srcKey]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "object not found: %s", srcKey)
	}
	data := make([]byte, len(src.data))
	copy(data, src.data)
	info := src.info
	info.Key = dstKey
	info.LastModified = time.Now().UTC()
	m.objects[dstKey] = memObject{data: data, info: info}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Keys returns all stored keys, unordered.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
