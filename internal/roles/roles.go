package roles

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized indicates the acting account lacks the admin role.
var ErrUnauthorized = errors.New("roles: unauthorized")

// Role names a capability.
type Role string

const (
	Admin    Role = "admin"
	Operator Role = "operator"
	Exempt   Role = "exempt"
)

// ParseRole accepts the role names used in configuration and API payloads.
func ParseRole(v string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case Admin:
		return Admin, nil
	case Operator:
		return Operator, nil
	case Exempt:
		return Exempt, nil
	default:
		return "", fmt.Errorf("roles: unknown role %q", v)
	}
}

// Registry holds role memberships.
type Registry struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
}

// NewRegistry creates a registry whose initial admins are admins.
func NewRegistry(admins ...common.Address) *Registry {
	r := &Registry{members: make(map[Role]map[common.Address]struct{})}
	r.Seed(Admin, admins...)
	return r
}

// Seed adds memberships without an authorization check. Use it for bootstrap
// configuration only.
func (r *Registry) Seed(role Role, accounts ...common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, account := range accounts {
		r.add(role, account)
	}
}

// Grant gives role to account; admin must hold the Admin role.
func (r *Registry) Grant(admin common.Address, role Role, account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.has(admin, Admin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, admin.Hex())
	}
	r.add(role, account)
	return nil
}

// Revoke removes role from account; admin must hold the Admin role.
func (r *Registry) Revoke(admin common.Address, role Role, account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.has(admin, Admin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, admin.Hex())
	}
	if set, ok := r.members[role]; ok {
		delete(set, account)
	}
	return nil
}

// HasRole reports membership.
func (r *Registry) HasRole(account common.Address, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.has(account, role)
}

// Members lists the holders of role in address order.
func (r *Registry) Members(role Role) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.members[role]))
	for account := range r.members[role] {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

func (r *Registry) add(role Role, account common.Address) {
	set, ok := r.members[role]
	if !ok {
		set = make(map[common.Address]struct{})
		r.members[role] = set
	}
	set[account] = struct{}{}
}

func (r *Registry) has(account common.Address, role Role) bool {
	_, ok := r.members[role][account]
	return ok
}
