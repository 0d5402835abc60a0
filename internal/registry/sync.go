package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"account-sync/internal/domain"
)

const (
	messageNewUser = "NEW_USER"
	messageMerged  = "ACCOUNTS_MERGED"
)

// broadcastMessage is the value written under BroadcastKey. Receivers treat it as a
// hint only and re-read the store.
type broadcastMessage struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	User      *domain.Account `json:"user,omitempty"`
	Count     int             `json:"count,omitempty"`
	Timestamp int64           `json:"timestamp"`
	TabID     string          `json:"tabId"`
}

func (r *Registry) broadcast(ctx context.Context, msg broadcastMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warnf("encode broadcast: %v", err)
		return
	}
	r.emit(ctx, BroadcastKey, string(payload))
}

// emit writes a transient notification key and removes it after MarkerTTL.
// There is no acknowledgement: instances that are not listening miss it.
func (r *Registry) emit(ctx context.Context, key, value string) {
	if err := r.store.Set(ctx, key, value); err != nil {
		r.logger.WithField("key", key).Warnf("emit notification: %v", err)
		return
	}

	r.doneMu.Lock()
	done := r.done
	r.doneMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.cfg.MarkerTTL)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-done:
		}
		if err := r.store.Remove(context.Background(), key); err != nil {
			r.logger.WithField("key", key).Warnf("remove notification: %v", err)
		}
	}()
}

// HandleEvent reacts to a change made by another instance. Only registry keys are
// considered; the instance re-derives its view from the store and never writes back,
// so events cannot bounce between instances.
func (r *Registry) HandleEvent(ctx context.Context, ev domain.StorageEvent) {
	if ev.Removed || ev.NewValue == "" {
		return
	}

	logger := r.logger.WithFields(logrus.Fields{"key": ev.Key, "from": ev.Origin})
	switch {
	case ev.Key == BroadcastKey:
		var msg broadcastMessage
		if err := json.Unmarshal([]byte(ev.NewValue), &msg); err != nil {
			logger.Warnf("unreadable broadcast: %v", err)
		} else if msg.User != nil {
			logger.WithField("username", msg.User.Username).Info("account registered by another instance")
		} else {
			logger.WithField("count", msg.Count).Info("accounts merged by another instance")
		}
	case ev.Key == SyncSignalKey:
		logger.Debug("sync signal received")
	case isPartitionKey(ev.Key):
		logger.Debug("partition changed")
	default:
		return
	}

	r.refresh(ctx)
}

func (r *Registry) refresh(ctx context.Context) {
	if r.cfg.OnChange == nil {
		return
	}
	accounts, err := r.ListAll(ctx)
	if err != nil {
		r.logger.Warnf("refresh after change: %v", err)
		return
	}
	r.cfg.OnChange(accounts)
}

// StartAutoSync runs ForceSync every interval until StopAutoSync or Shutdown.
// Calling it again replaces the running schedule.
func (r *Registry) StartAutoSync(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	r.autoMu.Lock()
	defer r.autoMu.Unlock()
	r.stopAutoSyncLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.autoStop = cancel
	r.autoDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.ForceSync(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warnf("auto sync: %v", err)
				}
			}
		}
	}()
	r.logger.WithField("interval", interval).Debug("auto sync started")
}

// StopAutoSync is safe to call when auto sync is not running.
func (r *Registry) StopAutoSync() {
	r.autoMu.Lock()
	defer r.autoMu.Unlock()
	r.stopAutoSyncLocked()
}

func (r *Registry) AutoSyncRunning() bool {
	r.autoMu.Lock()
	defer r.autoMu.Unlock()
	return r.autoStop != nil
}

func (r *Registry) stopAutoSyncLocked() {
	if r.autoStop == nil {
		return
	}
	r.autoStop()
	<-r.autoDone
	r.autoStop = nil
	r.autoDone = nil
}

// writeCompat mirrors accounts into the keys older tools read. Entries those tools
// added on their own are kept.
func (r *Registry) writeCompat(ctx context.Context, accounts []domain.Account) error {
	var existing []domain.Account
	if raw, ok, err := r.store.Get(ctx, allUsersKey); err != nil {
		return err
	} else if ok {
		existing, _ = decodePartition(partition{key: allUsersKey, format: formatList}, raw)
	}
	mirrored := union(accounts, existing)
	data, err := json.Marshal(mirrored)
	if err != nil {
		return fmt.Errorf("encode %s: %w", allUsersKey, err)
	}
	if err := r.store.Set(ctx, allUsersKey, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", allUsersKey, err)
	}

	emails := make(map[string]string)
	if raw, ok, err := r.store.Get(ctx, registeredUsersKey); err != nil {
		return err
	} else if ok {
		_ = json.Unmarshal([]byte(raw), &emails)
		if emails == nil {
			emails = make(map[string]string)
		}
	}
	for _, a := range mirrored {
		if a.Email != "" {
			emails[a.Username] = a.Email
		}
	}
	data, err = json.Marshal(emails)
	if err != nil {
		return fmt.Errorf("encode %s: %w", registeredUsersKey, err)
	}
	if err := r.store.Set(ctx, registeredUsersKey, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", registeredUsersKey, err)
	}
	return nil
}
