// Package directory resolves roles to the users who hold them.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"changenotify/internal/domain"
)

var ErrUnknownRole = errors.New("directory: unknown role")

type Directory interface {
	UsersByRole(ctx context.Context, role string) ([]domain.User, error)
	User(ctx context.Context, id string) (domain.User, bool)
}

// Config is the static directory: a user list and role membership by user id.
type Config struct {
	Users []domain.User
	Roles map[string][]string
}

// Static is a config-backed Directory. Reload swaps its content atomically.
type Static struct {
	mu    sync.RWMutex
	users map[string]domain.User
	roles map[string][]string
}

func NewStatic(cfg Config) (*Static, error) {
	s := &Static{}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload validates cfg and replaces the directory content.
func (s *Static) Reload(cfg Config) error {
	users := make(map[string]domain.User, len(cfg.Users))
	for _, u := range cfg.Users {
		if strings.TrimSpace(u.ID) == "" {
			return errors.New("directory: user without id")
		}
		if _, dup := users[u.ID]; dup {
			return fmt.Errorf("directory: duplicate user %q", u.ID)
		}
		users[u.ID] = u
	}
	roles := make(map[string][]string, len(cfg.Roles))
	for role, ids := range cfg.Roles {
		for _, id := range ids {
			if _, ok := users[id]; !ok {
				return fmt.Errorf("directory: role %q references unknown user %q", role, id)
			}
		}
		roles[role] = append([]string(nil), ids...)
	}
	s.mu.Lock()
	s.users, s.roles = users, roles
	s.mu.Unlock()
	return nil
}

// UsersByRole returns the members of role in configured order.
func (s *Static) UsersByRole(_ context.Context, role string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.roles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.users[id])
	}
	return out, nil
}

func (s *Static) User(_ context.Context, id string) (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Roles lists configured role names, sorted.
func (s *Static) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
