// Package account resolves upstream official accounts, the credentials a
// Config points at. Accounts are managed outside the bridge; the default
// registry is loaded from configuration:
//
//	accounts:
//	  main:
//	    appId: wx1234567890
//	    appSecret: ...
//	    name: Main account
package account

import (
	"context"
	"sort"
	"sync"

	"github.com/dpup/wxauth/errors"
	"github.com/knadh/koanf/v2"
	"google.golang.org/grpc/codes"
)

// ErrNotFound is returned when no account has the requested id.
var ErrNotFound = errors.NewC("account not found", codes.NotFound)

// Account is an upstream official account.
type Account struct {
	ID        string
	AppID     string
	AppSecret string
	Name      string
}

// Registry looks up accounts by id.
type Registry interface {
	Lookup(ctx context.Context, id string) (*Account, error)
}

// NewStatic returns a registry holding a fixed set of accounts.
func NewStatic(accounts ...Account) *Static {
	s := &Static{accounts: map[string]Account{}}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

// FromConfig builds a registry from the `accounts` namespace. Entries without
// an appId are skipped.
func FromConfig(k *koanf.Koanf) *Static {
	var accounts []Account
	for _, id := range k.MapKeys("accounts") {
		prefix := "accounts." + id + "."
		a := Account{
			ID:        id,
			AppID:     k.String(prefix + "appId"),
			AppSecret: k.String(prefix + "appSecret"),
			Name:      k.String(prefix + "name"),
		}
		if a.AppID == "" {
			continue
		}
		accounts = append(accounts, a)
	}
	return NewStatic(accounts...)
}

// Static is an in-memory Registry.
type Static struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

var _ Registry = (*Static)(nil)

func (s *Static) Lookup(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, errors.Mark(ErrNotFound, 0).Append(id)
	}
	return &a, nil
}

// Put adds or replaces an account.
func (s *Static) Put(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// IDs returns the known account ids, sorted.
func (s *Static) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
