// Package digest builds the domain-separated, typed hashes every
// signed action is checked against, and recovers signers from
// signatures over them.
//
// Hashing follows EIP-712: each action kind has a typehash, its fields
// plus the consumed nonce are ABI-encoded into a struct hash, and the
// final digest is keccak256(0x19 0x01 || domainSeparator || structHash).
package digest

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("digest: invalid signature")
	ErrExpiredSignature = errors.New("digest: signature deadline passed")
)

// Domain identifies the verifying context a signature is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

var (
	domainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	createTypeHash      = crypto.Keccak256([]byte("CreateEscrow(address creator,uint256 amount,bytes32 beneficiary,uint16 targetChain,uint256 nonce)"))
	increaseTypeHash    = crypto.Keccak256([]byte("IncreaseEscrow(uint256 escrowId,uint256 amount,uint256 nonce)"))
	releaseTypeHash     = crypto.Keccak256([]byte("ReleaseEscrow(uint256 escrowId,uint256 amount,uint256 nonce)"))
	beneficiaryTypeHash = crypto.Keccak256([]byte("UpdateBeneficiary(uint256 escrowId,bytes32 beneficiary,uint16 targetChain,uint256 nonce)"))
	electTypeHash       = crypto.Keccak256([]byte("ElectAddress(bytes32 identifier,address elected,uint256 nonce)"))
	resolutionTypeHash  = crypto.Keccak256([]byte("AmicableResolution(uint256 escrowId,uint256 amount,uint256 nonce)"))
	startTypeHash       = crypto.Keccak256([]byte("StartDispute(uint256 escrowId,uint256 nonce)"))
	resolveTypeHash     = crypto.Keccak256([]byte("ResolveDispute(uint256 escrowId,uint256 creatorAmount,uint256 beneficiaryAmount,uint256 nonce)"))
	forwardTypeHash     = crypto.Keccak256([]byte("ForwardRequest(bytes32 payloadHash,address relayer,uint256 nonce,uint256 deadline)"))
)

// Separator computes the EIP-712 domain separator.
func (d Domain) Separator() []byte {
	enc := make([]byte, 0, 160)
	enc = append(enc, domainTypeHash...)
	enc = append(enc, crypto.Keccak256([]byte(d.Name))...)
	enc = append(enc, crypto.Keccak256([]byte(d.Version))...)
	enc = append(enc, encUint64(d.ChainID)...)
	enc = append(enc, encAddress(d.VerifyingContract)...)
	return crypto.Keccak256(enc)
}

func (d Domain) typed(structHash []byte) []byte {
	enc := make([]byte, 0, 66)
	enc = append(enc, 0x19, 0x01)
	enc = append(enc, d.Separator()...)
	enc = append(enc, structHash...)
	return crypto.Keccak256(enc)
}

// CreateEscrow builds the digest authorizing escrow creation.
func CreateEscrow(d Domain, creator common.Address, amount *big.Int, beneficiary [32]byte, targetChain uint16, nonce uint64) []byte {
	enc := make([]byte, 0, 192)
	enc = append(enc, createTypeHash...)
	enc = append(enc, encAddress(creator)...)
	enc = append(enc, encBig(amount)...)
	enc = append(enc, beneficiary[:]...)
	enc = append(enc, encUint64(uint64(targetChain))...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// IncreaseEscrow builds the digest authorizing a balance increase.
func IncreaseEscrow(d Domain, escrowID uint64, amount *big.Int, nonce uint64) []byte {
	enc := make([]byte, 0, 128)
	enc = append(enc, increaseTypeHash...)
	enc = append(enc, encUint64(escrowID)...)
	enc = append(enc, encBig(amount)...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// ReleaseEscrow builds the digest authorizing a release.
func ReleaseEscrow(d Domain, escrowID uint64, amount *big.Int, nonce uint64) []byte {
	enc := make([]byte, 0, 128)
	enc = append(enc, releaseTypeHash...)
	enc = append(enc, encUint64(escrowID)...)
	enc = append(enc, encBig(amount)...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// UpdateBeneficiary builds the digest authorizing a beneficiary change.
func UpdateBeneficiary(d Domain, escrowID uint64, beneficiary [32]byte, targetChain uint16, nonce uint64) []byte {
	enc := make([]byte, 0, 160)
	enc = append(enc, beneficiaryTypeHash...)
	enc = append(enc, encUint64(escrowID)...)
	enc = append(enc, beneficiary[:]...)
	enc = append(enc, encUint64(uint64(targetChain))...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// ElectAddress builds the digest binding a foreign identifier to a
// native address.
func ElectAddress(d Domain, identifier [32]byte, elected common.Address, nonce uint64) []byte {
	enc := make([]byte, 0, 128)
	enc = append(enc, electTypeHash...)
	enc = append(enc, identifier[:]...)
	enc = append(enc, encAddress(elected)...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// Resolution builds the digest over one party's claimed share in an
// amicable resolution. The creator and the beneficiary each sign their
// own amount against the same escrow nonce.
func Resolution(d Domain, escrowID uint64, amount *big.Int, nonce uint64) []byte {
	enc := make([]byte, 0, 128)
	enc = append(enc, resolutionTypeHash...)
	enc = append(enc, encUint64(escrowID)...)
	enc = append(enc, encBig(amount)...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// StartDispute builds the digest authorizing a dispute start.
func StartDispute(d Domain, escrowID uint64, nonce uint64) []byte {
	enc := make([]byte, 0, 96)
	enc = append(enc, startTypeHash...)
	enc = append(enc, encUint64(escrowID)...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// ResolveDispute builds the digest authorizing a dispute resolution
// split.
func ResolveDispute(d Domain, escrowID uint64, creatorAmount, beneficiaryAmount *big.Int, nonce uint64) []byte {
	enc := make([]byte, 0, 160)
	enc = append(enc, resolveTypeHash...)
	enc = append(enc, encUint64(escrowID)...)
	enc = append(enc, encBig(creatorAmount)...)
	enc = append(enc, encBig(beneficiaryAmount)...)
	enc = append(enc, encUint64(nonce)...)
	return d.typed(crypto.Keccak256(enc))
}

// ForwardRequest builds the digest a signer places on a relayed action:
// the inner payload hash, the relayer allowed to submit it, the
// signer's relay nonce, and a unix deadline.
func ForwardRequest(d Domain, payloadHash [32]byte, relayer common.Address, nonce uint64, deadline int64) []byte {
	enc := make([]byte, 0, 160)
	enc = append(enc, forwardTypeHash...)
	enc = append(enc, payloadHash[:]...)
	enc = append(enc, encAddress(relayer)...)
	enc = append(enc, encUint64(nonce)...)
	enc = append(enc, encUint64(uint64(deadline))...)
	return d.typed(crypto.Keccak256(enc))
}

// PayloadHash hashes an opaque inner-action payload for ForwardRequest.
func PayloadHash(payload []byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(payload))
	return h
}

// Sign signs a digest with the given key, returning a 65-byte
// r||s||v signature with v in {27, 28}.
func Sign(hash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverAddress recovers the signing address from a 65-byte signature
// over a digest.
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that a signature over a digest was produced by the
// expected signer.
func Verify(hash, signature []byte, expected common.Address) error {
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return err
	}
	if recovered != expected {
		return fmt.Errorf("%w: expected %s, recovered %s", ErrInvalidSignature, expected.Hex(), recovered.Hex())
	}
	return nil
}

func encAddress(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func encUint64(v uint64) []byte {
	out := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(out)
	return out
}

func encBig(v *big.Int) []byte {
	out := make([]byte, 32)
	if v != nil {
		v.FillBytes(out)
	}
	return out
}
