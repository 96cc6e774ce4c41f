// Package fees computes the service charge taken at custody time.
//
// Every user pays defaultNumerator/denominator of the principal unless
// an override row exists for their address: a reserved sentinel
// numerator forces a zero fee, any other numerator replaces the
// default over the same shared denominator.
package fees

import (
	"context"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroFeeNumerator is the sentinel override meaning "this user pays no
// service charge". It is never a usable numerator.
const ZeroFeeNumerator uint32 = math.MaxUint32

// Store persists per-user fee overrides.
type Store interface {
	Override(ctx context.Context, user common.Address) (numerator uint32, ok bool, err error)
	SetOverride(ctx context.Context, user common.Address, numerator uint32) error
	ClearOverride(ctx context.Context, user common.Address) error
}

// Schedule computes service charges.
type Schedule struct {
	store            Store
	defaultNumerator uint32
	denominator      uint64
}

// NewSchedule creates a fee schedule with the given defaults.
func NewSchedule(store Store, defaultNumerator uint32, denominator uint64) *Schedule {
	return &Schedule{
		store:            store,
		defaultNumerator: defaultNumerator,
		denominator:      denominator,
	}
}

// ServiceCharge returns the fee owed on custodying amount for user.
func (s *Schedule) ServiceCharge(ctx context.Context, user common.Address, amount *big.Int) (*big.Int, error) {
	numerator := s.defaultNumerator
	if override, ok, err := s.store.Override(ctx, user); err != nil {
		return nil, err
	} else if ok {
		if override == ZeroFeeNumerator {
			return big.NewInt(0), nil
		}
		numerator = override
	}

	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(numerator)))
	return fee.Quo(fee, new(big.Int).SetUint64(s.denominator)), nil
}

// SetOverride records a per-user numerator (or the zero-fee sentinel).
func (s *Schedule) SetOverride(ctx context.Context, user common.Address, numerator uint32) error {
	return s.store.SetOverride(ctx, user, numerator)
}

// ClearOverride returns the user to the default schedule.
func (s *Schedule) ClearOverride(ctx context.Context, user common.Address) error {
	return s.store.ClearOverride(ctx, user)
}
