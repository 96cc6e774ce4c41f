// Package escrow implements the custodial escrow ledger and its
// lifecycle state machine.
//
// Flow:
//  1. Platform-signed create → principal plus service charge custodied
//  2. Increase → balance grows under the same authorization discipline
//  3. Creator-signed release → settlement locally or across the bridge
//  4. Both-parties amicable resolution, or platform dispute → timed
//     platform resolution
//
// Every mutating operation is authorized by a signature over a typed
// digest embedding a single-use nonce, checked and consumed within one
// sequential critical section.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/digest"
	"github.com/crosslock/crosslock/internal/fees"
	"github.com/crosslock/crosslock/internal/nonce"
	"github.com/crosslock/crosslock/internal/stable"
	"github.com/crosslock/crosslock/internal/traces"
)

var (
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrUnauthorized          = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientAmount    = errors.New("amount exceeds escrow balance")
	ErrInvalidResolution     = errors.New("resolution amounts do not sum to escrow balance")
	ErrDisputeAlreadyStarted = errors.New("dispute already started for this escrow")
	ErrCannotResolveYet      = errors.New("dispute not started or unlock time not reached")
	ErrChainNotRegistered    = errors.New("destination chain not registered with bridge")
	ErrAddressNotElected     = errors.New("no native address elected for this identifier")
)

// Store persists escrow records. Create assigns the next sequential id
// starting at 0.
type Store interface {
	Create(ctx context.Context, e *Escrow) (uint64, error)
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByCreator(ctx context.Context, creator common.Address, limit int) ([]*Escrow, error)
}

// ElectionStore persists the mapping from foreign beneficiary
// identifiers to elected native addresses.
type ElectionStore interface {
	Elected(ctx context.Context, identifier [32]byte) (common.Address, bool, error)
	Elect(ctx context.Context, identifier [32]byte, addr common.Address) error
}

// SettlementRouter abstracts value movement so escrow doesn't import
// settlement. Custody accepts an optional signed asset authorization
// (deadline, signature); an empty signature pulls via prior allowance.
type SettlementRouter interface {
	ChainRegistered(ctx context.Context, chain uint16) (bool, error)
	Custody(ctx context.Context, from common.Address, principal, fee *big.Int, authDeadline int64, authSignature []byte) error
	Pay(ctx context.Context, recipient [32]byte, chain uint16, amount *big.Int) (uint64, error)
	SetTreasury(addr common.Address)
}

// Config fixes the service's signing domain and protocol parties.
type Config struct {
	Domain         digest.Domain
	PlatformSigner common.Address
	Owner          common.Address
	LocalChain     uint16
	DisputeTimeout time.Duration
}

// Service implements the escrow state machine. A single mutex
// sequences all mutations: each authorized action runs to completion,
// including its custody calls, before the next can observe state.
type Service struct {
	mu sync.Mutex

	store     Store
	elections ElectionStore
	nonces    *nonce.Registry
	fees      *fees.Schedule
	router    SettlementRouter

	domain     digest.Domain
	owner      common.Address
	localChain uint16

	platform common.Address
	timeout  time.Duration

	events    EventStore
	broadcast func(Event)
	now       func() time.Time

	// transact runs a record mutation and its nonce bump as one unit.
	// The default is a passthrough; the Postgres wiring supplies a real
	// transaction so the pair commits or rolls back together.
	transact func(ctx context.Context, fn func(context.Context) error) error
}

// NewService creates the escrow service.
func NewService(store Store, elections ElectionStore, nonces *nonce.Registry, schedule *fees.Schedule, router SettlementRouter, cfg Config) *Service {
	return &Service{
		store:      store,
		elections:  elections,
		nonces:     nonces,
		fees:       schedule,
		router:     router,
		domain:     cfg.Domain,
		owner:      cfg.Owner,
		localChain: cfg.LocalChain,
		platform:   cfg.PlatformSigner,
		timeout:    cfg.DisputeTimeout,
		now:        time.Now,
		transact: func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	}
}

// WithEvents adds a persistent event log.
func (s *Service) WithEvents(store EventStore) *Service {
	s.events = store
	return s
}

// WithBroadcast adds a live event sink (websocket hub).
func (s *Service) WithBroadcast(fn func(Event)) *Service {
	s.broadcast = fn
	return s
}

// WithClock overrides the time source, for dispute-timing tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTransactor supplies the transactional runner binding record
// mutations and nonce bumps into one commit (database.Transactor for
// the Postgres stores).
func (s *Service) WithTransactor(fn func(ctx context.Context, fn func(context.Context) error) error) *Service {
	s.transact = fn
	return s
}

// CreateParams carries a platform-signed escrow creation. The platform
// signs over the creator's current account nonce. AuthDeadline and
// AuthSignature optionally carry the creator's signed asset
// authorization for the custody pull; without one the pull rides a
// prior allowance.
type CreateParams struct {
	Creator     common.Address
	Amount      *big.Int
	Beneficiary Beneficiary
	TargetChain uint16
	Signature   []byte

	AuthDeadline  int64
	AuthSignature []byte
}

// IncreaseParams carries a platform-signed balance increase, signed
// over the escrow's current nonce.
type IncreaseParams struct {
	EscrowID  uint64
	Amount    *big.Int
	Signature []byte

	AuthDeadline  int64
	AuthSignature []byte
}

// UpdateBeneficiaryParams carries a beneficiary-signed redirection.
type UpdateBeneficiaryParams struct {
	EscrowID    uint64
	Beneficiary Beneficiary
	TargetChain uint16
	Signature   []byte
}

// ReleaseParams carries a creator-signed release.
type ReleaseParams struct {
	EscrowID  uint64
	Amount    *big.Int
	Signature []byte
}

// AmicableParams carries both parties' signatures over their claimed
// shares; each signs against the same escrow nonce.
type AmicableParams struct {
	EscrowID             uint64
	CreatorAmount        *big.Int
	BeneficiaryAmount    *big.Int
	CreatorSignature     []byte
	BeneficiarySignature []byte
}

// DisputeParams carries a platform-signed dispute start.
type DisputeParams struct {
	EscrowID  uint64
	Signature []byte
}

// ResolveParams carries a platform-signed dispute split.
type ResolveParams struct {
	EscrowID          uint64
	CreatorAmount     *big.Int
	BeneficiaryAmount *big.Int
	Signature         []byte
}

// ElectParams binds a foreign identifier to a native address, signed
// by the platform over its own account nonce.
type ElectParams struct {
	Identifier [32]byte
	Elected    common.Address
	Signature  []byte
}

// Create custodies a new escrow: principal to custody, service charge
// to the treasury, next sequential id assigned.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Signer(p.Creator.Hex()),
		traces.Chain(p.TargetChain),
		traces.Amount(stable.Format(p.Amount)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !positive(p.Amount) {
		return nil, ErrInvalidAmount
	}

	n, err := s.nonces.Account(ctx, p.Creator)
	if err != nil {
		return nil, err
	}
	hash := digest.CreateEscrow(s.domain, p.Creator, p.Amount, p.Beneficiary, p.TargetChain, n)
	if err := digest.Verify(hash, p.Signature, s.platform); err != nil {
		return nil, err
	}

	if err := s.requireRegistered(ctx, p.TargetChain); err != nil {
		return nil, err
	}

	fee, err := s.fees.ServiceCharge(ctx, p.Creator, p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.router.Custody(ctx, p.Creator, p.Amount, fee, p.AuthDeadline, p.AuthSignature); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		Creator:     p.Creator,
		Beneficiary: p.Beneficiary,
		TargetChain: p.TargetChain,
		Amount:      new(big.Int).Set(p.Amount),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.transact(ctx, func(ctx context.Context) error {
		id, err := s.store.Create(ctx, e)
		if err != nil {
			return err
		}
		e.ID = id
		return s.nonces.BumpAccount(ctx, p.Creator, n)
	})
	if err != nil {
		// Funds are already custodied; hand the principal back. The
		// signature stays valid against the unmoved nonce, so the
		// creator can resubmit once the store recovers.
		if _, payErr := s.router.Pay(ctx, BeneficiaryFromAddress(p.Creator), s.localChain, p.Amount); payErr != nil {
			slog.Error("escrow create failed after custody, refund also failed",
				"creator", p.Creator.Hex(), "error", err, "refund_error", payErr)
		}
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	s.record(ctx, Event{Kind: EventCreated, EscrowID: e.ID, Amount: p.Amount, At: now})
	return e, nil
}

// Increase adds principal to an existing escrow under the same
// authorization and fee discipline as creation.
func (s *Service) Increase(ctx context.Context, p IncreaseParams) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !positive(p.Amount) {
		return nil, ErrInvalidAmount
	}
	e, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	n, err := s.nonces.Escrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	hash := digest.IncreaseEscrow(s.domain, e.ID, p.Amount, n)
	if err := digest.Verify(hash, p.Signature, s.platform); err != nil {
		return nil, err
	}

	fee, err := s.fees.ServiceCharge(ctx, e.Creator, p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.router.Custody(ctx, e.Creator, p.Amount, fee, p.AuthDeadline, p.AuthSignature); err != nil {
		return nil, err
	}

	now := s.now()
	e.Amount.Add(e.Amount, p.Amount)
	e.UpdatedAt = now
	err = s.transact(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, e); err != nil {
			return err
		}
		return s.nonces.BumpEscrow(ctx, e.ID, n)
	})
	if err != nil {
		if _, payErr := s.router.Pay(ctx, BeneficiaryFromAddress(e.Creator), s.localChain, p.Amount); payErr != nil {
			slog.Error("escrow increase failed after custody, refund also failed",
				"escrow_id", e.ID, "error", err, "refund_error", payErr)
		}
		return nil, fmt.Errorf("increase escrow %d: %w", e.ID, err)
	}
	s.record(ctx, Event{Kind: EventIncreased, EscrowID: e.ID, Amount: p.Amount, At: now})
	return e, nil
}

// UpdateBeneficiary redirects an escrow, authorized by a signature
// from the current beneficiary (resolved through the election table
// for foreign identifiers).
func (s *Service) UpdateBeneficiary(ctx context.Context, p UpdateBeneficiaryParams) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	signer, err := s.beneficiarySigner(ctx, e.Beneficiary)
	if err != nil {
		return nil, err
	}

	n, err := s.nonces.Escrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	hash := digest.UpdateBeneficiary(s.domain, e.ID, p.Beneficiary, p.TargetChain, n)
	if err := digest.Verify(hash, p.Signature, signer); err != nil {
		return nil, err
	}

	err = s.transact(ctx, func(ctx context.Context) error {
		if err := s.applyBeneficiaryUpdate(ctx, e, p.Beneficiary, p.TargetChain); err != nil {
			return err
		}
		return s.nonces.BumpEscrow(ctx, e.ID, n)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateBeneficiaryAs is the relayed form: the actor has already been
// authenticated by the relay forwarder, so replay protection rode on
// the relay nonce and no escrow nonce is consumed.
func (s *Service) UpdateBeneficiaryAs(ctx context.Context, actor common.Address, escrowID uint64, beneficiary Beneficiary, targetChain uint16) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBeneficiaryAs(ctx, actor, escrowID, beneficiary, targetChain)
}

func (s *Service) updateBeneficiaryAs(ctx context.Context, actor common.Address, escrowID uint64, beneficiary Beneficiary, targetChain uint16) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	signer, err := s.beneficiarySigner(ctx, e.Beneficiary)
	if err != nil {
		return nil, err
	}
	if actor != signer {
		return nil, ErrUnauthorized
	}
	if err := s.applyBeneficiaryUpdate(ctx, e, beneficiary, targetChain); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) applyBeneficiaryUpdate(ctx context.Context, e *Escrow, b Beneficiary, chain uint16) error {
	if err := s.requireRegistered(ctx, chain); err != nil {
		return err
	}
	now := s.now()
	e.Beneficiary = b
	e.TargetChain = chain
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}
	s.record(ctx, Event{Kind: EventBeneficiaryUpdated, EscrowID: e.ID, Detail: b.Hex(), At: now})
	return nil
}

// Release pays out part or all of the balance to the beneficiary,
// authorized by the creator. The returned sequence is the bridge
// delivery sequence, 0 for local settlement.
func (s *Service) Release(ctx context.Context, p ReleaseParams) (*Escrow, uint64, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.EscrowID(p.EscrowID),
		traces.Amount(stable.Format(p.Amount)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, 0, err
	}

	n, err := s.nonces.Escrow(ctx, e.ID)
	if err != nil {
		return nil, 0, err
	}
	hash := digest.ReleaseEscrow(s.domain, e.ID, p.Amount, n)
	if err := digest.Verify(hash, p.Signature, e.Creator); err != nil {
		return nil, 0, err
	}

	seq, err := s.applyRelease(ctx, e, p.Amount, func(ctx context.Context) error {
		return s.nonces.BumpEscrow(ctx, e.ID, n)
	})
	if err != nil {
		return nil, 0, err
	}
	span.SetAttributes(traces.Sequence(seq))
	return e, seq, nil
}

// ReleaseAs is the relayed form of Release.
func (s *Service) ReleaseAs(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) (*Escrow, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseAs(ctx, actor, escrowID, amount)
}

func (s *Service) releaseAs(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) (*Escrow, uint64, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, 0, err
	}
	if actor != e.Creator {
		return nil, 0, ErrUnauthorized
	}
	seq, err := s.applyRelease(ctx, e, amount, nil)
	if err != nil {
		return nil, 0, err
	}
	return e, seq, nil
}

// applyRelease moves funds then persists; commit, when non-nil, runs
// in the same unit as the record update (the escrow nonce bump).
func (s *Service) applyRelease(ctx context.Context, e *Escrow, amount *big.Int, commit func(context.Context) error) (uint64, error) {
	if !positive(amount) {
		return 0, ErrInvalidAmount
	}
	if amount.Cmp(e.Amount) > 0 {
		return 0, ErrInsufficientAmount
	}

	seq, err := s.router.Pay(ctx, [32]byte(e.Beneficiary), e.TargetChain, amount)
	if err != nil {
		return 0, err
	}

	now := s.now()
	e.Amount.Sub(e.Amount, amount)
	e.UpdatedAt = now
	if err := s.commitAfterPayout(ctx, e, commit); err != nil {
		return 0, err
	}
	s.record(ctx, Event{Kind: EventReleased, EscrowID: e.ID, Amount: amount, Sequence: seq, At: now})
	return seq, nil
}

// AmicableResolution settles the full balance with one signature from
// each party over its claimed share. The shares must sum exactly to
// the balance.
func (s *Service) AmicableResolution(ctx context.Context, p AmicableParams) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AmicableResolution", traces.EscrowID(p.EscrowID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	beneficiarySigner, err := s.beneficiarySigner(ctx, e.Beneficiary)
	if err != nil {
		return nil, err
	}

	n, err := s.nonces.Escrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	creatorHash := digest.Resolution(s.domain, e.ID, p.CreatorAmount, n)
	if err := digest.Verify(creatorHash, p.CreatorSignature, e.Creator); err != nil {
		return nil, err
	}
	beneficiaryHash := digest.Resolution(s.domain, e.ID, p.BeneficiaryAmount, n)
	if err := digest.Verify(beneficiaryHash, p.BeneficiarySignature, beneficiarySigner); err != nil {
		return nil, err
	}

	if err := s.applySplit(ctx, e, p.CreatorAmount, p.BeneficiaryAmount, n, EventResolved); err != nil {
		return nil, err
	}
	return e, nil
}

// StartDispute freezes the escrow behind a timed platform resolution.
// A dispute can be started at most once per escrow, even after it has
// been resolved.
func (s *Service) StartDispute(ctx context.Context, p DisputeParams) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	n, err := s.nonces.Escrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	hash := digest.StartDispute(s.domain, e.ID, n)
	if err := digest.Verify(hash, p.Signature, s.platform); err != nil {
		return nil, err
	}

	if e.Disputed() {
		return nil, ErrDisputeAlreadyStarted
	}

	now := s.now()
	unlock := now.Add(s.timeout)
	e.DisputeUnlockAt = &unlock
	e.UpdatedAt = now
	err = s.transact(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, e); err != nil {
			return err
		}
		return s.nonces.BumpEscrow(ctx, e.ID, n)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, Event{Kind: EventDisputeStarted, EscrowID: e.ID, Detail: unlock.UTC().Format(time.RFC3339), At: now})
	return e, nil
}

// ResolveDispute settles a disputed escrow with a platform-decided
// split, allowed only once the unlock time has been reached.
func (s *Service) ResolveDispute(ctx context.Context, p ResolveParams) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(p.EscrowID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	n, err := s.nonces.Escrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	hash := digest.ResolveDispute(s.domain, e.ID, p.CreatorAmount, p.BeneficiaryAmount, n)
	if err := digest.Verify(hash, p.Signature, s.platform); err != nil {
		return nil, err
	}

	if !e.Disputed() || s.now().Before(*e.DisputeUnlockAt) {
		return nil, ErrCannotResolveYet
	}

	if err := s.applySplit(ctx, e, p.CreatorAmount, p.BeneficiaryAmount, n, EventDisputeResolved); err != nil {
		return nil, err
	}
	return e, nil
}

// applySplit routes the beneficiary's share to its settlement chain,
// then pays the creator's share locally; the shares must sum exactly
// to the balance. The dispute unlock time is never reset.
//
// The beneficiary leg goes first: it is the only leg that can cross
// the bridge or pull treasury fees, so it carries all the ordinary
// failure modes. Failing it leaves the escrow untouched and the
// signatures reusable. The creator leg is a local custody transfer;
// if it fails anyway, unwindSplit compensates so no partial payout
// survives against an unconsumed nonce.
func (s *Service) applySplit(ctx context.Context, e *Escrow, creatorAmount, beneficiaryAmount *big.Int, n uint64, kind EventKind) error {
	if !nonNegative(creatorAmount) || !nonNegative(beneficiaryAmount) {
		return ErrInvalidAmount
	}
	sum := new(big.Int).Add(creatorAmount, beneficiaryAmount)
	if sum.Cmp(e.Amount) != 0 {
		return fmt.Errorf("%w: %s + %s != %s", ErrInvalidResolution, creatorAmount, beneficiaryAmount, e.Amount)
	}

	var seq uint64
	if beneficiaryAmount.Sign() > 0 {
		var err error
		seq, err = s.router.Pay(ctx, [32]byte(e.Beneficiary), e.TargetChain, beneficiaryAmount)
		if err != nil {
			return err
		}
	}
	if creatorAmount.Sign() > 0 {
		if _, err := s.router.Pay(ctx, BeneficiaryFromAddress(e.Creator), s.localChain, creatorAmount); err != nil {
			return s.unwindSplit(ctx, e, creatorAmount, beneficiaryAmount, n, err)
		}
	}

	now := s.now()
	total := new(big.Int).Set(e.Amount)
	e.Amount.SetInt64(0)
	e.UpdatedAt = now
	if err := s.commitAfterPayout(ctx, e, func(ctx context.Context) error {
		return s.nonces.BumpEscrow(ctx, e.ID, n)
	}); err != nil {
		return err
	}
	s.record(ctx, Event{Kind: kind, EscrowID: e.ID, Amount: total, Sequence: seq, At: now})
	return nil
}

// unwindSplit compensates a split whose creator leg failed after the
// beneficiary leg already paid. A local beneficiary payout is pulled
// back into custody, restoring the pre-split state. A bridged payout
// cannot be recalled, so the creator's share stays custodied, the
// balance is cut to it, and the nonce is consumed so the same
// signatures cannot pay the beneficiary twice.
func (s *Service) unwindSplit(ctx context.Context, e *Escrow, creatorAmount, beneficiaryAmount *big.Int, n uint64, cause error) error {
	if beneficiaryAmount.Sign() > 0 && e.TargetChain == s.localChain {
		if to, ok := e.Beneficiary.NativeAddress(); ok {
			if err := s.router.Custody(ctx, to, beneficiaryAmount, big.NewInt(0), 0, nil); err == nil {
				return cause
			}
			slog.Error("split unwind failed, beneficiary keeps partial payout",
				"escrow_id", e.ID, "beneficiary", to.Hex(), "error", cause)
		}
	}

	now := s.now()
	e.Amount.Set(creatorAmount)
	e.UpdatedAt = now
	if err := s.commitAfterPayout(ctx, e, func(ctx context.Context) error {
		return s.nonces.BumpEscrow(ctx, e.ID, n)
	}); err != nil {
		return err
	}
	slog.Error("split paid beneficiary but creator leg failed, remainder stays custodied",
		"escrow_id", e.ID, "remainder", stable.Format(creatorAmount), "error", cause)
	return fmt.Errorf("creator payout failed, %s remains custodied for escrow %d: %w",
		stable.Format(creatorAmount), e.ID, cause)
}

// commitAfterPayout updates the record once funds have already moved,
// running commit (the nonce bump, when non-nil) in the same unit. A
// failure here cannot unwind the payout, so retry once and escalate
// loudly instead of compensating wrongly.
func (s *Service) commitAfterPayout(ctx context.Context, e *Escrow, commit func(context.Context) error) error {
	unit := func(ctx context.Context) error {
		if err := s.store.Update(ctx, e); err != nil {
			return err
		}
		if commit != nil {
			return commit(ctx)
		}
		return nil
	}
	if err := s.transact(ctx, unit); err != nil {
		if retryErr := s.transact(ctx, unit); retryErr != nil {
			slog.Error("escrow payout completed but record update failed, manual resolution required",
				"escrow_id", e.ID, "error", retryErr)
			return fmt.Errorf("update escrow %d after payout (requires manual resolution): %w", e.ID, err)
		}
	}
	return nil
}

// ElectAddress binds a foreign identifier to a native address so its
// signatures can be checked, authorized by the platform over its own
// account nonce.
func (s *Service) ElectAddress(ctx context.Context, p ElectParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nonces.Account(ctx, s.platform)
	if err != nil {
		return err
	}
	hash := digest.ElectAddress(s.domain, p.Identifier, p.Elected, n)
	if err := digest.Verify(hash, p.Signature, s.platform); err != nil {
		return err
	}

	err = s.transact(ctx, func(ctx context.Context) error {
		if err := s.elections.Elect(ctx, p.Identifier, p.Elected); err != nil {
			return err
		}
		return s.nonces.BumpAccount(ctx, s.platform, n)
	})
	if err != nil {
		return err
	}
	s.record(ctx, Event{Kind: EventAddressElected, Detail: Beneficiary(p.Identifier).Hex(), At: s.now()})
	return nil
}

// ValidateRelease checks a relayed release without applying it, for
// batch preflight.
func (s *Service) ValidateRelease(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateRelease(ctx, actor, escrowID, amount)
}

func (s *Service) validateRelease(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) error {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	if actor != e.Creator {
		return ErrUnauthorized
	}
	if !positive(amount) {
		return ErrInvalidAmount
	}
	if amount.Cmp(e.Amount) > 0 {
		return ErrInsufficientAmount
	}
	return nil
}

// ValidateBeneficiaryUpdate checks a relayed beneficiary update
// without applying it.
func (s *Service) ValidateBeneficiaryUpdate(ctx context.Context, actor common.Address, escrowID uint64, targetChain uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateBeneficiaryUpdate(ctx, actor, escrowID, targetChain)
}

func (s *Service) validateBeneficiaryUpdate(ctx context.Context, actor common.Address, escrowID uint64, targetChain uint16) error {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	signer, err := s.beneficiarySigner(ctx, e.Beneficiary)
	if err != nil {
		return err
	}
	if actor != signer {
		return ErrUnauthorized
	}
	return s.requireRegistered(ctx, targetChain)
}

// Dispatcher is the surface relayed actions dispatch through. Service
// implements it directly; Exclusive hands callers a form of it that
// runs under one held critical section.
type Dispatcher interface {
	ReleaseAs(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) (*Escrow, uint64, error)
	UpdateBeneficiaryAs(ctx context.Context, actor common.Address, escrowID uint64, beneficiary Beneficiary, targetChain uint16) (*Escrow, error)
	ValidateRelease(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) error
	ValidateBeneficiaryUpdate(ctx context.Context, actor common.Address, escrowID uint64, targetChain uint16) error
}

// Exclusive runs fn while holding the state machine's critical
// section. Nothing else can mutate or observe escrow state between
// the dispatcher calls fn makes, so a preflight over several actions
// stays valid while they are applied.
func (s *Service) Exclusive(ctx context.Context, fn func(Dispatcher) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(exclusive{s})
}

// exclusive dispatches without re-acquiring the mutex Exclusive holds.
type exclusive struct {
	s *Service
}

func (x exclusive) ReleaseAs(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) (*Escrow, uint64, error) {
	return x.s.releaseAs(ctx, actor, escrowID, amount)
}

func (x exclusive) UpdateBeneficiaryAs(ctx context.Context, actor common.Address, escrowID uint64, beneficiary Beneficiary, targetChain uint16) (*Escrow, error) {
	return x.s.updateBeneficiaryAs(ctx, actor, escrowID, beneficiary, targetChain)
}

func (x exclusive) ValidateRelease(ctx context.Context, actor common.Address, escrowID uint64, amount *big.Int) error {
	return x.s.validateRelease(ctx, actor, escrowID, amount)
}

func (x exclusive) ValidateBeneficiaryUpdate(ctx context.Context, actor common.Address, escrowID uint64, targetChain uint16) error {
	return x.s.validateBeneficiaryUpdate(ctx, actor, escrowID, targetChain)
}

// Compile-time assertions that both forms dispatch.
var (
	_ Dispatcher = (*Service)(nil)
	_ Dispatcher = exclusive{}
)

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByCreator returns escrows funded by an address.
func (s *Service) ListByCreator(ctx context.Context, creator common.Address, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByCreator(ctx, creator, limit)
}

// Elected returns the native address elected for a foreign identifier.
func (s *Service) Elected(ctx context.Context, identifier [32]byte) (common.Address, error) {
	addr, ok, err := s.elections.Elected(ctx, identifier)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, ErrAddressNotElected
	}
	return addr, nil
}

// EscrowNonce returns the current counter for an escrow id.
func (s *Service) EscrowNonce(ctx context.Context, id uint64) (uint64, error) {
	return s.nonces.Escrow(ctx, id)
}

// AccountNonce returns the current counter for an address.
func (s *Service) AccountNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return s.nonces.Account(ctx, addr)
}

// ServiceCharge quotes the fee owed on custodying amount for user.
func (s *Service) ServiceCharge(ctx context.Context, user common.Address, amount *big.Int) (*big.Int, error) {
	if !nonNegative(amount) {
		return nil, ErrInvalidAmount
	}
	return s.fees.ServiceCharge(ctx, user, amount)
}

// Events lists recorded lifecycle events for an escrow, newest first.
func (s *Service) Events(ctx context.Context, escrowID uint64, limit int) ([]Event, error) {
	if s.events == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.events.List(ctx, escrowID, limit)
}

// Domain returns the signing domain, for clients building digests.
func (s *Service) Domain() digest.Domain {
	return s.domain
}

// PlatformSigner returns the current platform signer.
func (s *Service) PlatformSigner() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platform
}

// SetPlatformSigner rotates the platform signer (owner-gated upstream).
func (s *Service) SetPlatformSigner(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platform = addr
}

// DisputeTimeout returns the current platform resolution timeout.
func (s *Service) DisputeTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetDisputeTimeout updates the platform resolution timeout.
func (s *Service) SetDisputeTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// SetTreasury updates the fee destination.
func (s *Service) SetTreasury(addr common.Address) {
	s.router.SetTreasury(addr)
}

// SetFeeOverride records a per-user fee numerator.
func (s *Service) SetFeeOverride(ctx context.Context, user common.Address, numerator uint32) error {
	return s.fees.SetOverride(ctx, user, numerator)
}

// ClearFeeOverride returns a user to the default schedule.
func (s *Service) ClearFeeOverride(ctx context.Context, user common.Address) error {
	return s.fees.ClearOverride(ctx, user)
}

// beneficiarySigner resolves the address whose signature authorizes
// beneficiary-side actions: the identifier itself when native, the
// elected address otherwise.
func (s *Service) beneficiarySigner(ctx context.Context, b Beneficiary) (common.Address, error) {
	if addr, ok := b.NativeAddress(); ok {
		return addr, nil
	}
	addr, ok, err := s.elections.Elected(ctx, b)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, ErrAddressNotElected
	}
	return addr, nil
}

func (s *Service) requireRegistered(ctx context.Context, chain uint16) error {
	ok, err := s.router.ChainRegistered(ctx, chain)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: chain %d", ErrChainNotRegistered, chain)
	}
	return nil
}

func (s *Service) record(ctx context.Context, ev Event) {
	if s.events != nil {
		if err := s.events.Record(ctx, ev); err != nil {
			slog.Warn("record escrow event", "kind", ev.Kind, "escrow_id", ev.EscrowID, "error", err)
		}
	}
	if s.broadcast != nil {
		s.broadcast(ev)
	}
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func nonNegative(v *big.Int) bool {
	return v != nil && v.Sign() >= 0
}
