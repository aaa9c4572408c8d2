package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory — Store в памяти процесса.
//
// Все операции выполняются под одним мьютексом, поэтому Create и Update
// атомарны. Наблюдатели получают изменения через собственную очередь и
// не блокируют писателей.
type Memory struct {
	mu       sync.Mutex
	data     map[string]Entry
	revision uint64
	watchers map[*watcher]struct{}
	closed   bool
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]Entry),
		watchers: make(map[*watcher]struct{}),
	}
}

// Get возвращает текущее значение ключа.
func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

// Put безусловно записывает значение.
func (m *Memory) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	return m.writeLocked(key, value), nil
}

// Create записывает значение, только если ключа нет.
func (m *Memory) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if _, ok := m.data[key]; ok {
		return 0, ErrKeyExists
	}
	return m.writeLocked(key, value), nil
}

// Update записывает значение, только если текущая ревизия равна rev.
func (m *Memory) Update(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.data[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.Revision != rev {
		return 0, ErrRevisionMismatch
	}
	return m.writeLocked(key, value), nil
}

// Delete удаляет ключ.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.revision++
	m.notifyLocked(Entry{Key: key, Revision: m.revision, Op: OpDelete})
	return nil
}

// Keys возвращает отсортированные ключи с префиксом.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch возвращает канал изменений ключей с префиксом.
func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan Entry, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	w := newWatcher(prefix)
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan Entry)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		w.pump(ctx, out)
	}()
	return out, nil
}

// Close закрывает хранилище и всех наблюдателей.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for w := range m.watchers {
		w.close()
	}
}

func (m *Memory) writeLocked(key string, value []byte) uint64 {
	m.revision++
	e := Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: m.revision,
		Op:       OpPut,
	}
	m.data[key] = e
	m.notifyLocked(e)
	return e.Revision
}

func (m *Memory) notifyLocked(e Entry) {
	for w := range m.watchers {
		if strings.HasPrefix(e.Key, w.prefix) {
			w.push(copyEntry(e))
		}
	}
}

func copyEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}

// watcher — неограниченная очередь изменений для одного Watch.
type watcher struct {
	prefix string

	mu     sync.Mutex
	queue  []Entry
	done   bool
	wakeup chan struct{}
}

func newWatcher(prefix string) *watcher {
	return &watcher{
		prefix: prefix,
		wakeup: make(chan struct{}, 1),
	}
}

func (w *watcher) push(e Entry) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) signal() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

func (w *watcher) pump(ctx context.Context, out chan<- Entry) {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		done := w.done
		w.mu.Unlock()

		for _, e := range batch {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if done {
			return
		}

		select {
		case <-w.wakeup:
		case <-ctx.Done():
			return
		}
	}
}
