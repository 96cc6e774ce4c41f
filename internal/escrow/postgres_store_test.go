//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/stable"
	"github.com/crosslock/crosslock/internal/testutil"
)

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	creator := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	e := &Escrow{
		Creator:     creator,
		Beneficiary: BeneficiaryFromAddress(common.HexToAddress("0xbbbb000000000000000000000000000000000002")),
		TargetChain: 30,
		Amount:      stable.MustParse("10.5"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	id, err := store.Create(ctx, e)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 0 {
		t.Errorf("first id = %d, want 0", id)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Creator != creator {
		t.Errorf("creator = %s, want %s", got.Creator.Hex(), creator.Hex())
	}
	if got.Amount.Cmp(e.Amount) != 0 {
		t.Errorf("amount = %s, want %s", got.Amount, e.Amount)
	}
	if got.Disputed() {
		t.Error("fresh escrow should not be disputed")
	}

	// Sequential ids
	id2, err := store.Create(ctx, e)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if id2 != 1 {
		t.Errorf("second id = %d, want 1", id2)
	}
}

func TestPostgresStore_GetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), 12345); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("err = %v, want ErrEscrowNotFound", err)
	}
}

func TestPostgresStore_Update(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := &Escrow{
		Creator:     common.HexToAddress("0xaaaa000000000000000000000000000000000001"),
		Beneficiary: BeneficiaryFromAddress(common.HexToAddress("0xbbbb000000000000000000000000000000000002")),
		TargetChain: 30,
		Amount:      stable.MustParse("100"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := store.Create(ctx, e)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.ID = id

	unlock := now.Add(72 * time.Hour)
	e.Amount = stable.MustParse("60")
	e.DisputeUnlockAt = &unlock
	e.UpdatedAt = now.Add(time.Minute)
	if err := store.Update(ctx, e); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount.Cmp(stable.MustParse("60")) != 0 {
		t.Errorf("amount = %s, want 60", stable.Format(got.Amount))
	}
	if !got.Disputed() {
		t.Error("dispute unlock should persist")
	}

	// Updating a missing row reports not found
	missing := *e
	missing.ID = 9999
	if err := store.Update(ctx, &missing); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("err = %v, want ErrEscrowNotFound", err)
	}
}

func TestPostgresStore_ListByCreator(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	creator := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	other := common.HexToAddress("0xcccc000000000000000000000000000000000003")
	ben := BeneficiaryFromAddress(common.HexToAddress("0xbbbb000000000000000000000000000000000002"))

	for _, c := range []common.Address{creator, creator, other} {
		if _, err := store.Create(ctx, &Escrow{
			Creator: c, Beneficiary: ben, TargetChain: 30,
			Amount: stable.MustParse("1"), CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	out, err := store.ListByCreator(ctx, creator, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	// Newest first
	if out[0].ID < out[1].ID {
		t.Errorf("expected descending ids, got %d then %d", out[0].ID, out[1].ID)
	}
}

func TestPostgresElections(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresElections(db)
	ctx := context.Background()

	identifier := Beneficiary{0xde, 0xad, 0xbe, 0xef}
	if _, ok, err := store.Elected(ctx, identifier); err != nil || ok {
		t.Fatalf("unelected identifier: ok=%v err=%v", ok, err)
	}

	first := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	if err := store.Elect(ctx, identifier, first); err != nil {
		t.Fatalf("elect: %v", err)
	}
	got, ok, err := store.Elected(ctx, identifier)
	if err != nil || !ok {
		t.Fatalf("elected: ok=%v err=%v", ok, err)
	}
	if got != first {
		t.Errorf("elected = %s, want %s", got.Hex(), first.Hex())
	}

	// Re-election overwrites
	second := common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	if err := store.Elect(ctx, identifier, second); err != nil {
		t.Fatalf("re-elect: %v", err)
	}
	got, _, _ = store.Elected(ctx, identifier)
	if got != second {
		t.Errorf("elected after overwrite = %s, want %s", got.Hex(), second.Hex())
	}
}

func TestPostgresEvents(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresEvents(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, kind := range []EventKind{EventCreated, EventIncreased, EventReleased} {
		ev := Event{Kind: kind, EscrowID: 7, Sequence: uint64(i), At: now}
		if kind != EventCreated {
			ev.Amount = stable.MustParse("5")
		}
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.Record(ctx, Event{Kind: EventCreated, EscrowID: 8, At: now}); err != nil {
		t.Fatalf("record other escrow: %v", err)
	}

	out, err := store.List(ctx, 7, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	// Newest first
	if out[0].Kind != EventReleased {
		t.Errorf("first kind = %s, want %s", out[0].Kind, EventReleased)
	}
	if out[0].Amount == nil || out[0].Amount.Cmp(stable.MustParse("5")) != 0 {
		t.Errorf("amount not round-tripped: %v", out[0].Amount)
	}
	if out[2].Amount != nil {
		t.Errorf("created event should have nil amount, got %v", out[2].Amount)
	}
}
