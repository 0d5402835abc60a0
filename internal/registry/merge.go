package registry

import (
	"time"

	"account-sync/internal/domain"
)

// overlay copies the non-empty fields of in onto dst and reports whether dst changed.
// Identity fields (id, transaction code, registration time) are only filled when missing.
// LastSeen keeps the later value and moves to now when any other field changed. A later
// incoming LastSeen on its own is a change; an equal one is not.
func overlay(dst *domain.Account, in domain.Account, now time.Time) bool {
	changed := fillIdentity(dst, in)

	setString := func(field *string, v string) {
		if v != "" && *field != v {
			*field = v
			changed = true
		}
	}
	setNumber := func(field *float64, v float64) {
		if v > 0 && *field != v {
			*field = v
			changed = true
		}
	}

	setString(&dst.Email, in.Email)
	setNumber(&dst.Balance, in.Balance)
	setNumber(&dst.GameBalance, in.GameBalance)
	if in.Status != "" && dst.Status != in.Status {
		dst.Status = in.Status
		changed = true
	}
	setString(&dst.Source, in.Source)
	setString(&dst.Browser, in.Browser)
	setString(&dst.Device, in.Device)

	seen := in.LastSeen.After(dst.LastSeen)
	if seen {
		dst.LastSeen = in.LastSeen
	}
	if changed && now.After(dst.LastSeen) {
		dst.LastSeen = now
	}
	return changed || seen
}

// fillGaps copies only the fields of in that are empty on dst: the first record seen wins.
func fillGaps(dst *domain.Account, in domain.Account) bool {
	changed := fillIdentity(dst, in)

	fillString := func(field *string, v string) {
		if *field == "" && v != "" {
			*field = v
			changed = true
		}
	}
	fillNumber := func(field *float64, v float64) {
		if *field == 0 && v > 0 {
			*field = v
			changed = true
		}
	}

	fillString(&dst.Email, in.Email)
	fillNumber(&dst.Balance, in.Balance)
	fillNumber(&dst.GameBalance, in.GameBalance)
	if dst.Status == "" && in.Status != "" {
		dst.Status = in.Status
		changed = true
	}
	fillString(&dst.Source, in.Source)
	fillString(&dst.Browser, in.Browser)
	fillString(&dst.Device, in.Device)
	if dst.LastSeen.IsZero() && !in.LastSeen.IsZero() {
		dst.LastSeen = in.LastSeen
		changed = true
	}
	return changed
}

// clampBalances zeroes negative balances, which read as empty, and reports whether any were found.
func clampBalances(a *domain.Account) bool {
	clamped := false
	if a.Balance < 0 {
		a.Balance = 0
		clamped = true
	}
	if a.GameBalance < 0 {
		a.GameBalance = 0
		clamped = true
	}
	return clamped
}

func fillIdentity(dst *domain.Account, in domain.Account) bool {
	changed := false
	if dst.ID == "" && in.ID != "" {
		dst.ID = in.ID
		changed = true
	}
	if dst.TransactionCode == "" && in.TransactionCode != "" {
		dst.TransactionCode = in.TransactionCode
		changed = true
	}
	if dst.RegisteredAt.IsZero() && !in.RegisteredAt.IsZero() {
		dst.RegisteredAt = in.RegisteredAt
		changed = true
	}
	return changed
}

// union folds lists into one slice keyed by username, keeping the first occurrence and
// filling its gaps from later ones. Order follows first appearance.
func union(lists ...[]domain.Account) []domain.Account {
	var out []domain.Account
	index := make(map[string]int)
	for _, list := range lists {
		for _, a := range list {
			if a.Username == "" {
				continue
			}
			if i, ok := index[a.Username]; ok {
				fillGaps(&out[i], a)
				continue
			}
			index[a.Username] = len(out)
			out = append(out, a)
		}
	}
	return out
}

func indexByUsername(accounts []domain.Account) map[string]int {
	index := make(map[string]int, len(accounts))
	for i, a := range accounts {
		index[a.Username] = i
	}
	return index
}
