package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"account-sync/internal/domain"
	"account-sync/internal/storage"
)

const (
	// FormatVersion is written into every snapshot document.
	FormatVersion = 1

	defaultKeyPrefix = "account-snapshots"
	keyTimeLayout    = "20060102T150405.000Z"
)

var (
	// ErrDisabled is returned when no bucket is configured.
	ErrDisabled = errors.New("snapshots are not configured")
	// ErrInvalidKey rejects keys outside the configured prefix.
	ErrInvalidKey = errors.New("snapshot key outside prefix")
	// ErrNoSnapshots is returned by Restore when the bucket holds no snapshot yet.
	ErrNoSnapshots = errors.New("no snapshots available")
)

// Registry is the part of the account registry a snapshot reads from and restores into.
type Registry interface {
	ListAll(ctx context.Context) ([]domain.Account, error)
	Merge(ctx context.Context, records []domain.Account) (int, error)
}

type Config struct {
	Bucket    string
	KeyPrefix string
	// Interval enables periodic exports when positive.
	Interval time.Duration
	// Retain keeps only the newest Retain snapshots after each export. Zero keeps all.
	Retain     int
	InstanceID string
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Document is the JSON body of one snapshot object.
type Document struct {
	Version    int              `json:"version"`
	CreatedAt  time.Time        `json:"createdAt"`
	InstanceID string           `json:"instanceId,omitempty"`
	TotalUsers int              `json:"totalUsers"`
	Users      []domain.Account `json:"users"`
}

type Result struct {
	Key      string `json:"key"`
	Location string `json:"location"`
	Total    int    `json:"totalUsers"`
}

// Exporter copies the merged account view to object storage and restores it back.
type Exporter struct {
	cfg      Config
	registry Registry
	storage  storage.Service
	logger   *logrus.Entry

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewExporter(cfg Config, registry Registry, store storage.Service) *Exporter {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/")
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exporter{
		cfg:      cfg,
		registry: registry,
		storage:  store,
		logger:   cfg.Logger.WithField("component", "snapshot"),
	}
}

func (e *Exporter) Enabled() bool {
	return e != nil && e.storage != nil && e.cfg.Bucket != ""
}

// Start launches the periodic export loop. It is a no-op without an interval.
func (e *Exporter) Start(ctx context.Context) error {
	if !e.Enabled() {
		if e.cfg.Interval > 0 {
			return ErrDisabled
		}
		return nil
	}
	if e.cfg.Interval <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.Export(loopCtx); err != nil && loopCtx.Err() == nil {
					e.logger.Warnf("scheduled export: %v", err)
				}
			}
		}
	}()
	e.logger.WithField("interval", e.cfg.Interval).Info("snapshot exporter started")
	return nil
}

func (e *Exporter) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("snapshot exporter stopped")
}

// Export uploads the current merged view as a new snapshot object.
func (e *Exporter) Export(ctx context.Context) (Result, error) {
	if !e.Enabled() {
		return Result{}, ErrDisabled
	}

	accounts, err := e.registry.ListAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read accounts: %w", err)
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	now := e.cfg.Now().UTC()
	doc := Document{
		Version:    FormatVersion,
		CreatedAt:  now,
		InstanceID: e.cfg.InstanceID,
		TotalUsers: len(accounts),
		Users:      accounts,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}

	key := path.Join(e.cfg.KeyPrefix, "registry-"+now.Format(keyTimeLayout)+".json")
	logger := e.logger.WithField("key", key)
	location, err := e.storage.PutObject(ctx, bytes.NewReader(body), storage.PutOptions{
		Bucket:      e.cfg.Bucket,
		Key:         key,
		ContentType: "application/json",
		Size:        int64(len(body)),
		ProgressCallback: func(done, total int64) {
			logger.Debugf("upload progress %d/%d", done, total)
		},
	})
	if err != nil {
		return Result{}, err
	}
	logger.WithField("users", len(accounts)).Info("snapshot exported")

	if e.cfg.Retain > 0 {
		if err := e.prune(ctx); err != nil {
			logger.Warnf("prune snapshots: %v", err)
		}
	}
	return Result{Key: key, Location: location, Total: len(accounts)}, nil
}

// List returns snapshot objects newest first.
func (e *Exporter) List(ctx context.Context) ([]storage.ObjectInfo, error) {
	if !e.Enabled() {
		return nil, ErrDisabled
	}
	objects, err := e.storage.ListObjects(ctx, e.cfg.Bucket, e.cfg.KeyPrefix+"/")
	if err != nil {
		return nil, err
	}
	snapshots := objects[:0]
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".json") {
			snapshots = append(snapshots, obj)
		}
	}
	// keys embed a sortable timestamp
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Key > snapshots[j].Key })
	return snapshots, nil
}

// Restore merges the snapshot stored under key into the registry. An empty key restores
// the newest snapshot. It returns the number of accounts created or updated.
func (e *Exporter) Restore(ctx context.Context, key string) (int, error) {
	if !e.Enabled() {
		return 0, ErrDisabled
	}

	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		snapshots, err := e.List(ctx)
		if err != nil {
			return 0, err
		}
		if len(snapshots) == 0 {
			return 0, ErrNoSnapshots
		}
		key = snapshots[0].Key
	} else if !strings.HasPrefix(key, e.cfg.KeyPrefix+"/") {
		return 0, ErrInvalidKey
	}

	data, err := e.storage.GetObject(ctx, e.cfg.Bucket, key)
	if err != nil {
		return 0, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if doc.Version > FormatVersion {
		return 0, fmt.Errorf("snapshot %s has unsupported version %d", key, doc.Version)
	}

	merged, err := e.registry.Merge(ctx, doc.Users)
	if err != nil {
		return 0, fmt.Errorf("merge snapshot %s: %w", key, err)
	}
	e.logger.WithFields(logrus.Fields{"key": key, "merged": merged}).Info("snapshot restored")
	return merged, nil
}

// URL returns a presigned download link for key.
func (e *Exporter) URL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if !e.Enabled() {
		return "", ErrDisabled
	}
	if !strings.HasPrefix(key, e.cfg.KeyPrefix+"/") {
		return "", ErrInvalidKey
	}
	return e.storage.GetObjectURL(ctx, e.cfg.Bucket, key, expires)
}

func (e *Exporter) prune(ctx context.Context) error {
	snapshots, err := e.List(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) <= e.cfg.Retain {
		return nil
	}
	stale := make([]string, 0, len(snapshots)-e.cfg.Retain)
	for _, obj := range snapshots[e.cfg.Retain:] {
		stale = append(stale, obj.Key)
	}
	return e.storage.DeleteObjects(ctx, e.cfg.Bucket, stale)
}
