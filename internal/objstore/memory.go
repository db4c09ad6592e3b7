package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event names published by Memory, matching the S3 notification names.
const (
	EventObjectCreated = "ObjectCreated:Put"
	EventObjectRemoved = "ObjectRemoved:Delete"
)

// Change describes a mutation of a Memory store.
type Change struct {
	Event string
	Key   string
}

type memObject struct {
	data         []byte
	lastModified time.Time
}

// Memory is an in-process Store. LastModified values are truncated to
// whole seconds like S3. Subscribers receive a Change after every Put
// and Delete, in mutation order.
type Memory struct {
	clock clockwork.Clock

	mu          sync.Mutex
	objects     map[string]memObject
	subscribers []func(Change)
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store using clock for LastModified.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:   clock,
		objects: make(map[string]memObject),
	}
}

// Subscribe registers fn to receive every subsequent change.
func (m *Memory) Subscribe(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers = append(m.subscribers, fn)
}

func (m *Memory) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	objects := make([]Object, 0, len(m.objects))
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		objects = append(objects, Object{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}

	sort.Slice(objects, func(a, b int) bool {
		return objects[a].Key < objects[b].Key
	})

	return objects, nil
}

func (m *Memory) Get(_ context.Context, key string) (*GetResult, error) {
	m.mu.Lock()
	obj, ok := m.objects[key]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("getting %s: %w", key, ErrNotFound)
	}

	return &GetResult{
		Body:         io.NopCloser(bytes.NewReader(obj.data)),
		Size:         int64(len(obj.data)),
		LastModified: obj.lastModified,
	}, nil
}

func (m *Memory) Put(_ context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("putting %s: read %d bytes, expected %d", key, len(data), size)
	}

	m.PutAt(key, data, m.clock.Now())

	return nil
}

// PutAt stores data with an explicit modification time.
func (m *Memory) PutAt(key string, data []byte, lastModified time.Time) {
	m.mu.Lock()
	m.objects[key] = memObject{
		data:         bytes.Clone(data),
		lastModified: lastModified.UTC().Truncate(time.Second),
	}
	subs := m.subscribers
	m.mu.Unlock()

	notify(subs, Change{Event: EventObjectCreated, Key: key})
}

// SetLastModified overrides the modification time of an existing
// object without publishing a change. A zero t simulates a store entry
// that reports no modification time.
func (m *Memory) SetLastModified(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if obj, ok := m.objects[key]; ok {
		obj.lastModified = t
		m.objects[key] = obj
	}
}

func (m *Memory) Head(_ context.Context, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
	}

	return &Object{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified}, nil
}

// Delete removes key. Deleting a missing key succeeds, as in S3.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.objects[key]
	delete(m.objects, key)
	subs := m.subscribers
	m.mu.Unlock()

	if existed {
		notify(subs, Change{Event: EventObjectRemoved, Key: key})
	}

	return nil
}

// Data returns a copy of the stored bytes for key.
func (m *Memory) Data(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}

	return bytes.Clone(obj.data), true
}

func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}
