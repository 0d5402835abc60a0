package snapshot

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-sync/internal/domain"
	"account-sync/internal/registry"
	"account-sync/internal/repository/memory"
	"account-sync/internal/storage"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) PutObject(_ context.Context, body io.Reader, opts storage.PutOptions) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[opts.Key] = data
	return "s3://" + opts.Bucket + "/" + opts.Key, nil
}

func (f *fakeStorage) GetObject(_ context.Context, _, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (f *fakeStorage) ListObjects(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStorage) DeleteObjects(_ context.Context, _ string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.objects, key)
	}
	return nil
}

func (f *fakeStorage) GetObjectURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key, nil
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRegistry(t *testing.T, origin string) *registry.Registry {
	t.Helper()
	r := registry.New(memory.NewMedium().Open(origin), registry.Config{
		Logger:    quietLogger(),
		MarkerTTL: time.Millisecond,
	})
	t.Cleanup(r.Shutdown)
	return r
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestExportThenRestoreIntoEmptyRegistry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStorage()

	source := newRegistry(t, "source")
	_, err := source.Register(ctx, domain.RegisterInput{Username: "alice", Email: "a@x.com", Balance: 10})
	require.NoError(t, err)
	_, err = source.Register(ctx, domain.RegisterInput{Username: "bob", Email: "b@x.com"})
	require.NoError(t, err)

	exporter := NewExporter(Config{Bucket: "backups", KeyPrefix: "/snaps/", Logger: quietLogger()}, source, store)
	res, err := exporter.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.True(t, strings.HasPrefix(res.Key, "snaps/registry-"))
	assert.Equal(t, "s3://backups/"+res.Key, res.Location)

	target := newRegistry(t, "target")
	restorer := NewExporter(Config{Bucket: "backups", KeyPrefix: "snaps", Logger: quietLogger()}, target, store)
	merged, err := restorer.Restore(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, merged)

	accounts, err := target.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	want, err := source.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want[0].ID, accounts[0].ID)
	assert.Equal(t, want[0].TransactionCode, accounts[0].TransactionCode)

	merged, err = restorer.Restore(ctx, res.Key)
	require.NoError(t, err)
	assert.Zero(t, merged, "restoring the same snapshot twice changes nothing")
}

func TestRestoreRejectsKeysOutsidePrefix(t *testing.T) {
	exporter := NewExporter(Config{Bucket: "backups", Logger: quietLogger()}, newRegistry(t, "tab"), newFakeStorage())

	_, err := exporter.Restore(context.Background(), "elsewhere/registry.json")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = exporter.Restore(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSnapshots)

	_, err = exporter.Restore(context.Background(), defaultKeyPrefix+"/missing.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExportPrunesOldSnapshots(t *testing.T) {
	ctx := context.Background()
	store := newFakeStorage()
	exporter := NewExporter(Config{
		Bucket: "backups",
		Retain: 2,
		Logger: quietLogger(),
		Now:    steppingClock(),
	}, newRegistry(t, "tab"), store)

	var keys []string
	for range 4 {
		res, err := exporter.Export(ctx)
		require.NoError(t, err)
		keys = append(keys, res.Key)
	}

	snapshots, err := exporter.List(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, keys[3], snapshots[0].Key)
	assert.Equal(t, keys[2], snapshots[1].Key)
}

func TestDisabledExporter(t *testing.T) {
	exporter := NewExporter(Config{Logger: quietLogger()}, newRegistry(t, "tab"), nil)
	assert.False(t, exporter.Enabled())

	_, err := exporter.Export(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	require.NoError(t, exporter.Start(context.Background()))

	scheduled := NewExporter(Config{Interval: time.Second, Logger: quietLogger()}, newRegistry(t, "tab"), nil)
	assert.ErrorIs(t, scheduled.Start(context.Background()), ErrDisabled)
}

func TestScheduledExport(t *testing.T) {
	store := newFakeStorage()
	exporter := NewExporter(Config{
		Bucket:   "backups",
		Interval: 10 * time.Millisecond,
		Logger:   quietLogger(),
		Now:      steppingClock(),
	}, newRegistry(t, "tab"), store)

	require.NoError(t, exporter.Start(context.Background()))
	assert.Eventually(t, func() bool { return store.count() >= 2 }, time.Second, 5*time.Millisecond)
	exporter.Shutdown()
	exporter.Shutdown()

	url, err := exporter.URL(context.Background(), defaultKeyPrefix+"/registry-x.json", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://backups.example/"+defaultKeyPrefix+"/registry-x.json", url)
}
