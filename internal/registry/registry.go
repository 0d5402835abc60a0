package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"account-sync/internal/domain"
	"account-sync/internal/repository"
)

const (
	// Version is reported in status snapshots.
	Version = "4"

	DefaultSyncInterval = 10 * time.Second
	DefaultMarkerTTL    = 100 * time.Millisecond
	defaultSource       = "registry"
)

// Config tunes a Registry. The zero value is usable.
type Config struct {
	Logger *logrus.Logger
	// UserAgent describes the client this instance runs for.
	UserAgent string
	// Source tags records written by this instance.
	Source string
	// MarkerTTL is how long a notification key lives before it is removed.
	MarkerTTL time.Duration
	// CompatWrites mirrors the registry into the legacy ALL_XBET_USERS and registeredUsers keys.
	CompatWrites bool
	// OnChange receives the merged account list after another instance changed the store.
	OnChange func([]domain.Account)
	Now      func() time.Time
}

// Registry owns the canonical account partition of one store handle. One Registry is
// built per process and passed to collaborators; Init and Shutdown bracket its lifetime.
type Registry struct {
	store  repository.KVStore
	cfg    Config
	logger *logrus.Entry
	env    domain.Environment

	mu       sync.Mutex
	lastSync time.Time

	lifeMu    sync.Mutex
	started   bool
	stopWatch context.CancelFunc

	autoMu   sync.Mutex
	autoStop context.CancelFunc
	autoDone chan struct{}

	// done is closed by Shutdown and recreated by the next Init.
	doneMu  sync.Mutex
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func New(store repository.KVStore, cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = DefaultMarkerTTL
	}
	if strings.TrimSpace(cfg.Source) == "" {
		cfg.Source = defaultSource
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.WithFields(logrus.Fields{"component": "registry", "instance": store.Origin()}),
		env:    ClassifyUserAgent(cfg.UserAgent),
		done:   make(chan struct{}),
	}
}

// Init imports legacy partitions once and starts listening for changes made by other instances.
func (r *Registry) Init(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.started {
		return nil
	}
	r.doneMu.Lock()
	if r.stopped {
		r.done = make(chan struct{})
		r.stopped = false
	}
	r.doneMu.Unlock()

	if err := r.migrate(ctx); err != nil {
		return fmt.Errorf("migrate legacy partitions: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	events, err := r.store.Subscribe(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to store: %w", err)
	}
	r.stopWatch = cancel
	r.started = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range events {
			r.HandleEvent(watchCtx, ev)
		}
	}()

	r.logger.Info("registry ready")
	return nil
}

// Shutdown stops auto sync and the event watcher and removes pending notification keys.
func (r *Registry) Shutdown() {
	r.StopAutoSync()

	r.lifeMu.Lock()
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	r.started = false
	r.lifeMu.Unlock()

	r.doneMu.Lock()
	if !r.stopped {
		close(r.done)
		r.stopped = true
	}
	r.doneMu.Unlock()

	r.wg.Wait()
	r.logger.Info("registry stopped")
}

// Register validates in and creates or refreshes the account for its username.
// It returns the account id; validation failures happen before anything is written.
func (r *Registry) Register(ctx context.Context, in domain.RegisterInput) (string, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if username == "" {
		return "", &domain.ValidationError{Field: "username", Reason: "is required"}
	}
	if email == "" {
		return "", &domain.ValidationError{Field: "email", Reason: "is required"}
	}
	if in.Balance < 0 {
		return "", &domain.ValidationError{Field: "balance", Reason: "must not be negative"}
	}
	if in.GameBalance < 0 {
		return "", &domain.ValidationError{Field: "gameBalance", Reason: "must not be negative"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now().UTC()
	accounts, err := r.loadCanonical(ctx)
	if err != nil {
		return "", err
	}

	env := r.env
	if strings.TrimSpace(in.UserAgent) != "" {
		env = ClassifyUserAgent(in.UserAgent)
	}
	incoming := domain.Account{
		Username:    username,
		Email:       email,
		Balance:     in.Balance,
		GameBalance: in.GameBalance,
		Status:      in.Status,
		Source:      strings.TrimSpace(in.Source),
		Browser:     env.Browser,
		Device:      env.Device,
		LastSeen:    now,
	}
	if incoming.Source == "" {
		incoming.Source = r.cfg.Source
	}

	var account domain.Account
	if i, ok := indexByUsername(accounts)[username]; ok {
		overlay(&accounts[i], incoming, now)
		if accounts[i].ID == "" {
			accounts[i].ID = NewAccountID(now)
		}
		if accounts[i].TransactionCode == "" {
			accounts[i].TransactionCode = NewTransactionCode(username, now)
		}
		if accounts[i].RegisteredAt.IsZero() {
			accounts[i].RegisteredAt = now
		}
		account = accounts[i]
	} else {
		if incoming.Status == "" {
			incoming.Status = domain.AccountStatusActive
		}
		incoming.ID = NewAccountID(now)
		incoming.TransactionCode = NewTransactionCode(username, now)
		incoming.RegisteredAt = now
		accounts = append(accounts, incoming)
		account = incoming
	}

	if err := r.saveCanonical(ctx, accounts, now); err != nil {
		return "", err
	}
	r.broadcast(ctx, broadcastMessage{
		Type:      messageNewUser,
		Action:    "register",
		User:      &account,
		Timestamp: now.UnixMilli(),
		TabID:     r.store.Origin(),
	})

	r.logger.WithFields(logrus.Fields{"username": username, "account_id": account.ID}).Info("account registered")
	return account.ID, nil
}

// Merge folds records into the canonical partition and returns how many were inserted or changed.
// Unknown usernames are inserted as given; known ones get the non-empty incoming fields.
// Merging the same records again changes nothing and returns 0.
func (r *Registry) Merge(ctx context.Context, records []domain.Account) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now().UTC()
	accounts, err := r.loadCanonical(ctx)
	if err != nil {
		return 0, err
	}
	index := indexByUsername(accounts)

	merged := 0
	for _, rec := range records {
		rec.Username = strings.TrimSpace(rec.Username)
		if rec.Username == "" {
			continue
		}
		if clampBalances(&rec) {
			r.logger.WithField("username", rec.Username).Warn("negative balance in merged record ignored")
		}
		if i, ok := index[rec.Username]; ok {
			if overlay(&accounts[i], rec, now) {
				merged++
			}
			continue
		}
		if rec.Status == "" {
			rec.Status = domain.AccountStatusActive
		}
		index[rec.Username] = len(accounts)
		accounts = append(accounts, rec)
		merged++
	}

	if merged == 0 {
		return 0, nil
	}
	if err := r.saveCanonical(ctx, accounts, now); err != nil {
		return 0, err
	}
	r.broadcast(ctx, broadcastMessage{
		Type:      messageMerged,
		Action:    "merge",
		Count:     merged,
		Timestamp: now.UnixMilli(),
		TabID:     r.store.Origin(),
	})
	r.logger.WithField("merged", merged).Info("accounts merged")
	return merged, nil
}

// ListAll returns the union of every partition, one record per username. It never writes.
func (r *Registry) ListAll(ctx context.Context) ([]domain.Account, error) {
	parts, err := r.readPartitions(ctx)
	if err != nil {
		return nil, err
	}
	lists := make([][]domain.Account, 0, len(parts))
	for _, p := range parts {
		lists = append(lists, p.accounts)
	}
	accounts := union(lists...)
	if accounts == nil {
		accounts = []domain.Account{}
	}
	return accounts, nil
}

// ForceSync folds every partition into the canonical one and signals other instances.
func (r *Registry) ForceSync(ctx context.Context) (domain.SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, err := r.syncLocked(ctx)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	r.emit(ctx, SyncSignalKey, strconv.FormatInt(r.lastSync.UnixMilli(), 10))
	r.logger.WithFields(logrus.Fields{"synced": status.Synced, "total": status.Total}).Debug("sync complete")
	return status, nil
}

// Status reports per-partition record counts and sync state.
func (r *Registry) Status(ctx context.Context) (domain.Status, error) {
	parts, err := r.readPartitions(ctx)
	if err != nil {
		return domain.Status{}, err
	}
	counts := make(map[string]int, len(partitions))
	for _, p := range partitions {
		counts[p.key] = 0
	}
	for _, p := range parts {
		counts[p.def.key] = len(p.accounts)
	}

	status := domain.Status{
		InstanceID:  r.store.Origin(),
		Partitions:  counts,
		Environment: r.env,
		AutoSync:    r.AutoSyncRunning(),
		Version:     Version,
	}
	r.mu.Lock()
	if !r.lastSync.IsZero() {
		ts := r.lastSync
		status.LastSyncTime = &ts
	}
	r.mu.Unlock()
	return status, nil
}

func (r *Registry) syncLocked(ctx context.Context) (domain.SyncStatus, error) {
	now := r.cfg.Now().UTC()
	parts, err := r.readPartitions(ctx)
	if err != nil {
		return domain.SyncStatus{}, err
	}

	var accounts []domain.Account
	if len(parts) > 0 && parts[0].def.key == CanonicalKey {
		accounts = parts[0].accounts
		parts = parts[1:]
	}
	index := indexByUsername(accounts)

	synced := 0
	for _, p := range parts {
		for _, a := range p.accounts {
			if i, ok := index[a.Username]; ok {
				if fillGaps(&accounts[i], a) {
					synced++
				}
				continue
			}
			index[a.Username] = len(accounts)
			accounts = append(accounts, a)
			synced++
		}
	}

	if synced > 0 {
		if err := r.saveCanonical(ctx, accounts, now); err != nil {
			return domain.SyncStatus{}, err
		}
	}
	r.lastSync = now
	return domain.SyncStatus{Synced: synced, Total: len(accounts)}, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, ok, err := r.store.Get(ctx, MigrationKey)
	if err != nil {
		return err
	}
	if ok {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && v >= migrationVersion {
			return nil
		}
	}

	status, err := r.syncLocked(ctx)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, MigrationKey, strconv.Itoa(migrationVersion)); err != nil {
		return fmt.Errorf("record migration version: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"imported": status.Synced, "total": status.Total, "version": migrationVersion}).
		Info("legacy partitions imported")
	return nil
}

type partitionData struct {
	def      partition
	accounts []domain.Account
}

// readPartitions loads every present partition. A partition that fails to parse is
// logged and skipped; store errors are returned.
func (r *Registry) readPartitions(ctx context.Context) ([]partitionData, error) {
	out := make([]partitionData, 0, len(partitions))
	for _, p := range partitions {
		raw, ok, err := r.store.Get(ctx, p.key)
		if err != nil {
			return nil, fmt.Errorf("read partition %s: %w", p.key, err)
		}
		if !ok {
			continue
		}
		accounts, err := decodePartition(p, raw)
		if err != nil {
			r.logger.WithField("partition", p.key).Warnf("storage corruption, reading as empty: %v", err)
			continue
		}
		out = append(out, partitionData{def: p, accounts: accounts})
	}
	return out, nil
}

func (r *Registry) loadCanonical(ctx context.Context) ([]domain.Account, error) {
	raw, ok, err := r.store.Get(ctx, CanonicalKey)
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", CanonicalKey, err)
	}
	if !ok {
		return nil, nil
	}
	accounts, err := decodePartition(partitions[0], raw)
	if err != nil {
		r.logger.WithField("partition", CanonicalKey).Warnf("storage corruption, reading as empty: %v", err)
		return nil, nil
	}
	return accounts, nil
}

func (r *Registry) saveCanonical(ctx context.Context, accounts []domain.Account, now time.Time) error {
	doc, err := encodeCanonical(accounts, now)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, CanonicalKey, doc); err != nil {
		return fmt.Errorf("write partition %s: %w", CanonicalKey, err)
	}
	if r.cfg.CompatWrites {
		if err := r.writeCompat(ctx, accounts); err != nil {
			r.logger.Warnf("compatibility write: %v", err)
		}
	}
	return nil
}
