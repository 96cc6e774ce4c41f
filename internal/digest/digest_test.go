package digest

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

var testDomain = Domain{
	Name:    "Crosslock",
	Version: "1",
	ChainID: 84532,
}

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	hash := ReleaseEscrow(testDomain, 7, big.NewInt(100), 0)
	sig, err := Sign(hash, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(hash, sig, addr); err != nil {
		t.Errorf("Verify with correct signer: %v", err)
	}

	other, _ := crypto.GenerateKey()
	if err := Verify(hash, sig, crypto.PubkeyToAddress(other.PublicKey)); err == nil {
		t.Error("Verify accepted wrong signer")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	hash := StartDispute(testDomain, 1, 0)
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	if err := Verify(hash, []byte{0x01, 0x02}, addr); err == nil {
		t.Error("short signature accepted")
	}
	if err := Verify(hash, make([]byte, 65), addr); err == nil {
		t.Error("zero signature accepted")
	}
}

func TestDigestBindsNonce(t *testing.T) {
	a := ReleaseEscrow(testDomain, 7, big.NewInt(100), 0)
	b := ReleaseEscrow(testDomain, 7, big.NewInt(100), 1)
	if string(a) == string(b) {
		t.Error("digests with different nonces must differ")
	}
}

func TestDigestBindsDomain(t *testing.T) {
	other := testDomain
	other.ChainID = 1
	a := CreateEscrow(testDomain, [20]byte{1}, big.NewInt(5), [32]byte{2}, 30, 0)
	b := CreateEscrow(other, [20]byte{1}, big.NewInt(5), [32]byte{2}, 30, 0)
	if string(a) == string(b) {
		t.Error("digests on different chains must differ")
	}
}

func TestDigestBindsFields(t *testing.T) {
	a := ResolveDispute(testDomain, 3, big.NewInt(60), big.NewInt(40), 2)
	b := ResolveDispute(testDomain, 3, big.NewInt(40), big.NewInt(60), 2)
	if string(a) == string(b) {
		t.Error("swapped amounts must change the digest")
	}
}

func TestForwardRequestBindsDeadline(t *testing.T) {
	ph := PayloadHash([]byte(`{"kind":"release"}`))
	a := ForwardRequest(testDomain, ph, [20]byte{9}, 4, 1000)
	b := ForwardRequest(testDomain, ph, [20]byte{9}, 4, 2000)
	if string(a) == string(b) {
		t.Error("deadline must be part of the digest")
	}
}

func TestSignatureWithHighV(t *testing.T) {
	// Clients commonly submit v in {27,28}; Sign already normalizes to
	// that range, and RecoverAddress must accept both encodings.
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	hash := ElectAddress(testDomain, [32]byte{0xaa}, addr, 0)

	sig, err := Sign(hash, key)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27 // recovery id encoding

	for _, s := range [][]byte{sig, raw} {
		got, err := RecoverAddress(hash, s)
		if err != nil {
			t.Fatalf("RecoverAddress: %v", err)
		}
		if got != addr {
			t.Errorf("recovered %s, want %s", got.Hex(), addr.Hex())
		}
	}
}
