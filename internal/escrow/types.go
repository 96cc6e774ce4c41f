package escrow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/stable"
)

// Beneficiary is the 32-byte recipient identifier of an escrow: a
// native address left-padded to 32 bytes, or an opaque identifier on a
// foreign ledger.
type Beneficiary [32]byte

// BeneficiaryFromAddress encodes a native address as an identifier.
func BeneficiaryFromAddress(addr common.Address) Beneficiary {
	var b Beneficiary
	copy(b[12:], addr.Bytes())
	return b
}

// ParseBeneficiary decodes a hex identifier. A 20-byte value is taken
// as a native address and padded; a 32-byte value is taken verbatim.
func ParseBeneficiary(s string) (Beneficiary, error) {
	var b Beneficiary
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return b, fmt.Errorf("invalid beneficiary %q: %w", s, err)
	}
	switch len(raw) {
	case common.AddressLength:
		copy(b[12:], raw)
	case 32:
		copy(b[:], raw)
	default:
		return b, fmt.Errorf("invalid beneficiary %q: must be 20 or 32 bytes", s)
	}
	return b, nil
}

// NativeAddress decodes the identifier as a native address; ok is
// false when the upper 12 bytes are non-zero.
func (b Beneficiary) NativeAddress() (common.Address, bool) {
	for _, v := range b[:12] {
		if v != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(b[12:]), true
}

// IsZero reports an all-zero identifier.
func (b Beneficiary) IsZero() bool {
	return b == Beneficiary{}
}

// Hex renders the identifier: native addresses in their 20-byte form,
// foreign identifiers as the full 32 bytes.
func (b Beneficiary) Hex() string {
	if addr, ok := b.NativeAddress(); ok {
		return addr.Hex()
	}
	return "0x" + hex.EncodeToString(b[:])
}

func (b Beneficiary) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Hex())
}

func (b *Beneficiary) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseBeneficiary(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Escrow is one custodied balance. IDs are assigned sequentially from
// 0 and never reused; a zero creator address marks a non-existent
// record. Amount reaching zero is a balance state, not deletion.
type Escrow struct {
	ID              uint64         `json:"id"`
	Creator         common.Address `json:"creator"`
	Beneficiary     Beneficiary    `json:"beneficiary"`
	TargetChain     uint16         `json:"targetChain"`
	Amount          *big.Int       `json:"-"`
	DisputeUnlockAt *time.Time     `json:"disputeUnlockAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Disputed reports whether a dispute has been started (it is never
// cleared, even after resolution).
func (e *Escrow) Disputed() bool {
	return e.DisputeUnlockAt != nil
}

func (e *Escrow) MarshalJSON() ([]byte, error) {
	type alias Escrow
	return json.Marshal(&struct {
		*alias
		Amount string `json:"amount"`
	}{
		alias:  (*alias)(e),
		Amount: stable.Format(e.Amount),
	})
}
