package custody

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"compliance-custody/internal/roles"
)

// ExemptionPolicy reports whether an account settles outside custody and bypasses
// compliance gating.
type ExemptionPolicy interface {
	IsExempt(ctx context.Context, account common.Address) bool
}

// ExemptionFunc adapts a function to ExemptionPolicy.
type ExemptionFunc func(ctx context.Context, account common.Address) bool

func (f ExemptionFunc) IsExempt(ctx context.Context, account common.Address) bool {
	return f(ctx, account)
}

// RoleChecker is satisfied by roles.Registry.
type RoleChecker interface {
	HasRole(account common.Address, role roles.Role) bool
}

// RoleExemption treats holders of roles.Exempt as exempt.
type RoleExemption struct {
	Roles RoleChecker
}

func (e RoleExemption) IsExempt(_ context.Context, account common.Address) bool {
	return e.Roles != nil && e.Roles.HasRole(account, roles.Exempt)
}

type noExemption struct{}

func (noExemption) IsExempt(context.Context, common.Address) bool { return false }

var (
	_ ExemptionPolicy = RoleExemption{}
	_ ExemptionPolicy = ExemptionFunc(nil)
	_ ExemptionPolicy = noExemption{}
)
