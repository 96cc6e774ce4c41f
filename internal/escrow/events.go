package escrow

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/crosslock/crosslock/internal/stable"
)

// EventKind labels a lifecycle event.
type EventKind string

const (
	EventCreated            EventKind = "escrow.created"
	EventIncreased          EventKind = "escrow.increased"
	EventBeneficiaryUpdated EventKind = "escrow.beneficiary_updated"
	EventReleased           EventKind = "escrow.released"
	EventDisputeStarted     EventKind = "escrow.dispute_started"
	EventDisputeResolved    EventKind = "escrow.dispute_resolved"
	EventResolved           EventKind = "escrow.resolved"
	EventAddressElected     EventKind = "address.elected"
	EventBridgeFeePaid      EventKind = "bridge.fee_paid"
)

// Event is one recorded lifecycle occurrence. Sequence is the bridge
// delivery sequence for released value; 0 means a local, non-bridged
// movement.
type Event struct {
	ID       int64     `json:"id,omitempty"`
	Kind     EventKind `json:"kind"`
	EscrowID uint64    `json:"escrowId"`
	Amount   *big.Int  `json:"-"`
	Sequence uint64    `json:"sequence,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

func (ev Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(&struct {
		alias
		Amount string `json:"amount,omitempty"`
	}{
		alias:  alias(ev),
		Amount: amountString(ev.Amount),
	})
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return stable.Format(v)
}

// EventStore persists lifecycle events.
type EventStore interface {
	Record(ctx context.Context, ev Event) error
	List(ctx context.Context, escrowID uint64, limit int) ([]Event, error)
}

// MemoryEvents is an in-memory event log.
type MemoryEvents struct {
	mu     sync.Mutex
	events []Event
	nextID int64
}

// NewMemoryEvents creates an empty event log.
func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{nextID: 1}
}

func (m *MemoryEvents) Record(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.nextID
	m.nextID++
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryEvents) List(ctx context.Context, escrowID uint64, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].EscrowID == escrowID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

// Compile-time assertion that MemoryEvents implements EventStore.
var _ EventStore = (*MemoryEvents)(nil)
