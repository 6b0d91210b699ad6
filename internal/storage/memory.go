package storage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBucket keeps objects in process memory. Used for local development
// and tests.
type MemoryBucket struct {
	mu      sync.RWMutex
	name    string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

var _ Bucket = (*MemoryBucket)(nil)

func NewMemoryBucket(name string) *MemoryBucket {
	if strings.TrimSpace(name) == "" {
		name = "memory"
	}
	return &MemoryBucket{name: name, objects: make(map[string]memoryObject)}
}

func (b *MemoryBucket) Bucket() string {
	return b.name
}

func (b *MemoryBucket) EnsureBucket(context.Context) error {
	return nil
}

func (b *MemoryBucket) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[objectKey]
	return ok, nil
}

func (b *MemoryBucket) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("read object %s: %w", objectKey, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (b *MemoryBucket) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectKey] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (b *MemoryBucket) DeletePrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			delete(b.objects, key)
		}
	}
	return nil
}

func (b *MemoryBucket) PresignedGetURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Host: b.name, Path: "/" + objectKey}
	u.RawQuery = url.Values{"expires": []string{expiry.String()}}.Encode()
	return u.String(), nil
}

// Keys lists stored object keys in lexical order.
func (b *MemoryBucket) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (b *MemoryBucket) ContentType(objectKey string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.objects[objectKey].contentType
}
