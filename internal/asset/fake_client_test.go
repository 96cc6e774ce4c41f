package asset

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testContract  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testCustodian = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice         = common.HexToAddress("0x3333333333333333333333333333333333333333")
	bob           = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func TestFakeClient_TransferMovesBalance(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient(testContract, testCustodian)
	f.Mint(testCustodian, big.NewInt(100))

	if err := f.Transfer(ctx, alice, big.NewInt(40)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	bal, _ := f.BalanceOf(ctx, alice)
	if bal.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("alice balance = %s, want 40", bal)
	}
	bal, _ = f.BalanceOf(ctx, testCustodian)
	if bal.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("custodian balance = %s, want 60", bal)
	}
}

func TestFakeClient_TransferInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient(testContract, testCustodian)
	f.Mint(testCustodian, big.NewInt(10))

	err := f.Transfer(ctx, alice, big.NewInt(40))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestFakeClient_TransferFromRecordsMovement(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient(testContract, testCustodian)
	f.Mint(alice, big.NewInt(50))

	if err := f.TransferFrom(ctx, alice, bob, big.NewInt(20)); err != nil {
		t.Fatalf("TransferFrom failed: %v", err)
	}

	if len(f.Transfers) != 1 {
		t.Fatalf("expected 1 recorded transfer, got %d", len(f.Transfers))
	}
	rec := f.Transfers[0]
	if rec.From != alice || rec.To != bob || rec.Amount.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("recorded transfer = %+v", rec)
	}
}

func TestFakeClient_TransferWithAuthorization(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient(testContract, testCustodian)
	f.Mint(alice, big.NewInt(50))

	deadline := time.Now().Add(time.Hour).Unix()
	if err := f.TransferWithAuthorization(ctx, alice, testCustodian, big.NewInt(30), deadline, []byte("sig")); err != nil {
		t.Fatalf("TransferWithAuthorization failed: %v", err)
	}

	bal, _ := f.BalanceOf(ctx, testCustodian)
	if bal.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("custodian balance = %s, want 30", bal)
	}
}

func TestFakeClient_TransferWithAuthorizationExpired(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient(testContract, testCustodian)
	f.Mint(alice, big.NewInt(50))

	deadline := time.Now().Add(-time.Minute).Unix()
	err := f.TransferWithAuthorization(ctx, alice, testCustodian, big.NewInt(30), deadline, []byte("sig"))
	if !errors.Is(err, ErrAuthorizationStale) {
		t.Errorf("expected ErrAuthorizationStale, got %v", err)
	}

	bal, _ := f.BalanceOf(ctx, alice)
	if bal.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("alice balance = %s after rejected authorization, want 50", bal)
	}
}
