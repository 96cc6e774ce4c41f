// Package relay implements the meta-transaction forwarder: a third
// party submits a signed request and pays for execution while the
// recovered signer remains the authorizing actor.
//
// The signer authorizes (hash(payload), relayer, nonce, deadline); the
// forwarder recovers the signer, checks the per-signer relay nonce,
// and dispatches the decoded inner action to the escrow service with
// the signer passed explicitly as the effective actor.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/digest"
	"github.com/crosslock/crosslock/internal/escrow"
	"github.com/crosslock/crosslock/internal/metrics"
	"github.com/crosslock/crosslock/internal/nonce"
	"github.com/crosslock/crosslock/internal/stable"
)

var (
	ErrUnknownAction = errors.New("relay: unknown action kind")
	ErrWrongRelayer  = errors.New("relay: request bound to a different relayer")
	ErrEmptyBatch    = errors.New("relay: batch is empty")
)

// ActionKind names an inner action the forwarder can dispatch.
type ActionKind string

const (
	ActionRelease           ActionKind = "release"
	ActionUpdateBeneficiary ActionKind = "update_beneficiary"
)

// Action is the decoded inner payload. The signature covers the raw
// payload bytes, so clients must send them unmodified.
type Action struct {
	Kind        ActionKind `json:"kind"`
	EscrowID    uint64     `json:"escrowId"`
	Amount      string     `json:"amount,omitempty"`
	Beneficiary string     `json:"beneficiary,omitempty"`
	TargetChain uint16     `json:"targetChain,omitempty"`
}

// Request is one signed forwarded action. Relayer is the submitter
// the signer bound the request to; the forwarder rejects a mismatch,
// but how the submitter's identity is established is the transport's
// concern (see the HTTP handlers).
type Request struct {
	Payload   []byte
	Relayer   common.Address
	Nonce     uint64
	Deadline  int64
	Signature []byte
}

// Result reports a dispatched action.
type Result struct {
	Signer   common.Address `json:"signer"`
	Escrow   *escrow.Escrow `json:"escrow"`
	Sequence uint64         `json:"sequence,omitempty"`
}

// Executor is the escrow surface the forwarder dispatches into, with
// the effective actor as an explicit parameter. Exclusive lets a batch
// hold the escrow critical section across its preflight and its
// applications, so nothing invalidates the preflight in between.
type Executor interface {
	escrow.Dispatcher
	Exclusive(ctx context.Context, fn func(escrow.Dispatcher) error) error
}

// Forwarder verifies and dispatches relayed requests.
type Forwarder struct {
	exec   Executor
	nonces *nonce.Registry
	domain digest.Domain
	now    func() time.Time
}

// NewForwarder creates a relay forwarder.
func NewForwarder(exec Executor, nonces *nonce.Registry, domain digest.Domain) *Forwarder {
	return &Forwarder{
		exec:   exec,
		nonces: nonces,
		domain: domain,
		now:    time.Now,
	}
}

// WithClock overrides the time source, for deadline tests.
func (f *Forwarder) WithClock(now func() time.Time) *Forwarder {
	f.now = now
	return f
}

// Nonce returns the current relay counter for a signer.
func (f *Forwarder) Nonce(ctx context.Context, signer common.Address) (uint64, error) {
	return f.nonces.Relay(ctx, signer)
}

// Forward verifies a relayed request and applies its inner action as
// the recovered signer. Inner failures surface unchanged.
func (f *Forwarder) Forward(ctx context.Context, submitter common.Address, req Request) (Result, error) {
	signer, action, err := f.authorize(ctx, submitter, req, nil)
	if err != nil {
		return Result{}, err
	}

	res, err := f.dispatch(ctx, f.exec, signer, action)
	if err != nil {
		metrics.RelayedActionsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if err := f.nonces.BumpRelay(ctx, signer, req.Nonce); err != nil {
		return Result{}, err
	}
	metrics.RelayedActionsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// ForwardBatch verifies every request up front, then applies them in
// order under consecutive nonces, all within one held escrow critical
// section. Any verification failure rejects the whole batch before
// anything is applied; an application failure stops the remainder and
// surfaces the inner error unchanged.
func (f *Forwarder) ForwardBatch(ctx context.Context, submitter common.Address, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}

	results := make([]Result, 0, len(reqs))
	err := f.exec.Exclusive(ctx, func(d escrow.Dispatcher) error {
		// Preflight: signatures, deadlines, consecutive nonces per
		// signer, and each action's preconditions. Releases are summed
		// per escrow so the batch as a whole cannot overdraw a balance
		// that each item alone would clear.
		expected := make(map[common.Address]uint64)
		planned := make(map[uint64]*big.Int)
		signers := make([]common.Address, len(reqs))
		actions := make([]Action, len(reqs))
		for i, req := range reqs {
			signer, action, err := f.authorize(ctx, submitter, req, expected)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			if err := f.validate(ctx, d, signer, action, planned); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			expected[signer] = req.Nonce + 1
			signers[i] = signer
			actions[i] = action
		}

		for i := range reqs {
			res, err := f.dispatch(ctx, d, signers[i], actions[i])
			if err != nil {
				metrics.RelayedActionsTotal.WithLabelValues("error").Inc()
				return err
			}
			if err := f.nonces.BumpRelay(ctx, signers[i], reqs[i].Nonce); err != nil {
				return err
			}
			metrics.RelayedActionsTotal.WithLabelValues("ok").Inc()
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

// authorize checks deadline, relayer binding, signature and nonce, and
// decodes the inner action. In batch mode expected carries the next
// nonce each signer must use; nil means "the stored counter".
func (f *Forwarder) authorize(ctx context.Context, submitter common.Address, req Request, expected map[common.Address]uint64) (common.Address, Action, error) {
	var action Action

	if f.now().Unix() > req.Deadline {
		return common.Address{}, action, fmt.Errorf("%w: deadline %d passed", digest.ErrExpiredSignature, req.Deadline)
	}
	if req.Relayer != submitter {
		return common.Address{}, action, fmt.Errorf("%w: bound to %s, submitted by %s", ErrWrongRelayer, req.Relayer.Hex(), submitter.Hex())
	}

	hash := digest.ForwardRequest(f.domain, digest.PayloadHash(req.Payload), req.Relayer, req.Nonce, req.Deadline)
	signer, err := digest.RecoverAddress(hash, req.Signature)
	if err != nil {
		return common.Address{}, action, err
	}

	want, tracked := uint64(0), false
	if expected != nil {
		want, tracked = expected[signer]
	}
	if !tracked {
		current, err := f.nonces.Relay(ctx, signer)
		if err != nil {
			return common.Address{}, action, err
		}
		want = current
	}
	if req.Nonce != want {
		return common.Address{}, action, fmt.Errorf("%w: signer %s nonce %d, expected %d",
			nonce.ErrCounterMoved, signer.Hex(), req.Nonce, want)
	}

	if err := json.Unmarshal(req.Payload, &action); err != nil {
		return common.Address{}, action, fmt.Errorf("relay: decode payload: %w", err)
	}
	return signer, action, nil
}

// validate preflights one action. planned accumulates release totals
// per escrow across the batch; each release is checked against the
// balance together with the releases planned before it.
func (f *Forwarder) validate(ctx context.Context, d escrow.Dispatcher, actor common.Address, action Action, planned map[uint64]*big.Int) error {
	switch action.Kind {
	case ActionRelease:
		amount, err := stable.Parse(action.Amount)
		if err != nil {
			return err
		}
		total := new(big.Int).Set(amount)
		if prior, ok := planned[action.EscrowID]; ok {
			total.Add(total, prior)
		}
		if err := d.ValidateRelease(ctx, actor, action.EscrowID, total); err != nil {
			return err
		}
		planned[action.EscrowID] = total
		return nil
	case ActionUpdateBeneficiary:
		if _, err := escrow.ParseBeneficiary(action.Beneficiary); err != nil {
			return err
		}
		return d.ValidateBeneficiaryUpdate(ctx, actor, action.EscrowID, action.TargetChain)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)
	}
}

func (f *Forwarder) dispatch(ctx context.Context, d escrow.Dispatcher, actor common.Address, action Action) (Result, error) {
	switch action.Kind {
	case ActionRelease:
		amount, err := stable.Parse(action.Amount)
		if err != nil {
			return Result{}, err
		}
		e, seq, err := d.ReleaseAs(ctx, actor, action.EscrowID, amount)
		if err != nil {
			return Result{}, err
		}
		return Result{Signer: actor, Escrow: e, Sequence: seq}, nil

	case ActionUpdateBeneficiary:
		beneficiary, err := escrow.ParseBeneficiary(action.Beneficiary)
		if err != nil {
			return Result{}, err
		}
		e, err := d.UpdateBeneficiaryAs(ctx, actor, action.EscrowID, beneficiary, action.TargetChain)
		if err != nil {
			return Result{}, err
		}
		return Result{Signer: actor, Escrow: e}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)
	}
}
