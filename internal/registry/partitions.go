package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"account-sync/internal/domain"
)

const (
	// CanonicalKey holds the registry document every instance reads and writes.
	CanonicalKey = "XBET_ACCOUNT_REGISTRY"
	// BroadcastKey is written then removed to announce a registration to other instances.
	BroadcastKey = "XBET_BROADCAST_V2"
	// SyncSignalKey is written then removed after a forced sync.
	SyncSignalKey = "XBET_SYNC_SIGNAL_V2"
	// MigrationKey records the last legacy import version applied to the store.
	MigrationKey = "XBET_REGISTRY_MIGRATION"

	migrationVersion = 1

	allUsersKey        = "ALL_XBET_USERS"
	registeredUsersKey = "registeredUsers"
)

type partitionFormat int

const (
	formatCanonical partitionFormat = iota
	formatList
	formatRegistry
	formatEmailMap
	formatQueue
)

type partition struct {
	key    string
	format partitionFormat
	source string
}

// partitions lists every location accounts are read from. The canonical partition
// comes first so its records win on conflict.
var partitions = []partition{
	{key: CanonicalKey, format: formatCanonical},
	{key: "XBET_ADMIN_USERS_V2", format: formatList, source: "admin_storage"},
	{key: "XBET_MASTER_USERS_V2", format: formatList, source: "master_storage"},
	{key: "XBET_GLOBAL_REGISTRY", format: formatRegistry, source: "global_registry"},
	{key: allUsersKey, format: formatList, source: "compatibility_storage"},
	{key: "LOCAL_XBET_USERS", format: formatList, source: "local_storage"},
	{key: "XBET_SYNC_QUEUE", format: formatQueue, source: "sync_queue"},
	{key: registeredUsersKey, format: formatEmailMap, source: "registered_users"},
}

func isPartitionKey(key string) bool {
	for _, p := range partitions {
		if p.key == key {
			return true
		}
	}
	return false
}

type canonicalDocument struct {
	Users       []domain.Account `json:"users"`
	LastUpdated time.Time        `json:"lastUpdated"`
	TotalUsers  int              `json:"totalUsers"`
}

type registryDocument struct {
	Users []json.RawMessage `json:"users"`
}

type queuedEvent struct {
	Type string          `json:"type"`
	User json.RawMessage `json:"user"`
}

func encodeCanonical(accounts []domain.Account, now time.Time) (string, error) {
	if accounts == nil {
		accounts = []domain.Account{}
	}
	data, err := json.Marshal(canonicalDocument{
		Users:       accounts,
		LastUpdated: now,
		TotalUsers:  len(accounts),
	})
	if err != nil {
		return "", fmt.Errorf("encode registry: %w", err)
	}
	return string(data), nil
}

// decodePartition parses the stored text of p. Only a malformed top-level document is an
// error; individual records that cannot be read are skipped.
func decodePartition(p partition, raw string) ([]domain.Account, error) {
	data := []byte(strings.TrimSpace(raw))
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty value", p.key)
	}

	switch p.format {
	case formatCanonical, formatRegistry:
		var doc registryDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", p.key, err)
		}
		return decodeRecords(doc.Users, p.source), nil

	case formatList:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%s: %w", p.key, err)
		}
		return decodeRecords(items, p.source), nil

	case formatQueue:
		var events []queuedEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("%s: %w", p.key, err)
		}
		items := make([]json.RawMessage, 0, len(events))
		for _, ev := range events {
			if (ev.Type == "USER_REGISTERED" || ev.Type == "NEW_USER") && len(ev.User) > 0 {
				items = append(items, ev.User)
			}
		}
		return decodeRecords(items, p.source), nil

	case formatEmailMap:
		var emails map[string]string
		if err := json.Unmarshal(data, &emails); err != nil {
			return nil, fmt.Errorf("%s: %w", p.key, err)
		}
		names := make([]string, 0, len(emails))
		for name := range emails {
			if strings.TrimSpace(name) != "" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		accounts := make([]domain.Account, 0, len(names))
		for _, name := range names {
			accounts = append(accounts, domain.Account{
				Username: strings.TrimSpace(name),
				Email:    strings.TrimSpace(emails[name]),
				Status:   domain.AccountStatusActive,
				Source:   p.source,
			})
		}
		return accounts, nil
	}
	return nil, fmt.Errorf("%s: unknown partition format %d", p.key, p.format)
}

func decodeRecords(items []json.RawMessage, source string) []domain.Account {
	accounts := make([]domain.Account, 0, len(items))
	for _, item := range items {
		var w wireAccount
		if err := json.Unmarshal(item, &w); err != nil {
			continue
		}
		account := w.toAccount(source)
		if account.Username == "" {
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts
}

// wireAccount accepts every account shape older writers produced.
type wireAccount struct {
	ID              string     `json:"id"`
	SyncID          string     `json:"syncId"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	Balance         flexNumber `json:"balance"`
	GameBalance     flexNumber `json:"gameBalance"`
	TransactionCode string     `json:"transactionCode"`
	Status          string     `json:"status"`
	RegisteredAt    flexTime   `json:"registeredAt"`
	LastSeen        flexTime   `json:"lastSeen"`
	LastLogin       flexTime   `json:"lastLogin"`
	Timestamp       flexTime   `json:"timestamp"`
	Source          string     `json:"source"`
	Browser         string     `json:"browser"`
	Device          string     `json:"device"`
}

func (w wireAccount) toAccount(source string) domain.Account {
	a := domain.Account{
		ID:              strings.TrimSpace(w.ID),
		Username:        strings.TrimSpace(w.Username),
		Email:           strings.TrimSpace(w.Email),
		Balance:         max(float64(w.Balance), 0),
		GameBalance:     max(float64(w.GameBalance), 0),
		TransactionCode: strings.TrimSpace(w.TransactionCode),
		Status:          domain.AccountStatus(strings.TrimSpace(w.Status)),
		RegisteredAt:    time.Time(w.RegisteredAt),
		Source:          strings.TrimSpace(w.Source),
		Browser:         strings.TrimSpace(w.Browser),
		Device:          strings.TrimSpace(w.Device),
	}
	if a.ID == "" {
		a.ID = strings.TrimSpace(w.SyncID)
	}
	if a.Status == "" {
		a.Status = domain.AccountStatusActive
	}
	if a.Source == "" {
		a.Source = source
	}
	if looksLikeUserAgent(a.Browser) {
		env := ClassifyUserAgent(a.Browser)
		a.Browser = env.Browser
		if a.Device == "" {
			a.Device = env.Device
		}
	}
	for _, t := range []flexTime{w.LastSeen, w.LastLogin, w.Timestamp} {
		if ts := time.Time(t); ts.After(a.LastSeen) {
			a.LastSeen = ts
		}
	}
	return a
}

// flexNumber decodes numbers that may have been stored as JSON numbers or strings.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			*n = 0
			return nil
		}
		text = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		v = 0
	}
	*n = flexNumber(v)
	return nil
}

// flexTime decodes ISO-8601 strings or Unix milliseconds, integer or float. Anything else reads as zero.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*t = flexTime{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		text, err := strconv.Unquote(string(data))
		if err != nil || strings.TrimSpace(text) == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text)); err == nil {
			*t = flexTime(parsed.UTC())
		}
		return nil
	}
	if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		if ms > 0 {
			*t = flexTime(time.UnixMilli(ms).UTC())
		}
		return nil
	}
	// JSON numbers written as 1.7e12 or with a fractional part
	if ms, err := strconv.ParseFloat(string(data), 64); err == nil && ms > 0 && ms <= math.MaxInt64 {
		*t = flexTime(time.UnixMilli(int64(ms)).UTC())
	}
	return nil
}
