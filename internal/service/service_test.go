package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/infusion/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBus records bus traffic in memory.
type fakeBus struct {
	mu         sync.Mutex
	published  [][]byte
	stream     []domain.StreamMessage
	publishErr error
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strings.Repeat("1", len(b.stream)+1) + "-0"
	b.stream = append(b.stream, domain.StreamMessage{ID: id, Payload: payload})
	return id, nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	seen := lastID == "0"
	for _, m := range b.stream {
		if seen {
			out = append(out, m)
			if count > 0 && len(out) == count {
				break
			}
		}
		if m.ID == lastID {
			seen = true
		}
	}
	return out, nil
}

// memBlobs is an in-memory blob store.
type memBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	meta      map[string]map[string]string
	multipart int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, opts domain.PutOptions) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.PartSize > 0 {
		m.multipart++
	}
	m.objects[path] = b
	m.meta[path] = opts.Metadata
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b)), LastModified: time.Now()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) tamper(t *testing.T, path, from, to string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	require.True(t, ok)
	require.True(t, bytes.Contains(b, []byte(from)))
	m.objects[path] = bytes.Replace(b, []byte(from), []byte(to), 1)
}
