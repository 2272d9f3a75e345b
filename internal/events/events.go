package events

import (
	"encoding/json"
	"time"
)

const (
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventLedgerAllocated      = "LedgerAllocated"
	EventLedgerRefunded       = "LedgerRefunded"
	EventInventoryDecremented = "InventoryDecremented"
	EventResyncRequested      = "InventoryResyncRequested"
	EventResyncCompleted      = "InventoryResyncCompleted"
)

const (
	TopicOrderStatusChanged   = "order.status.changed"
	TopicLedgerAllocated      = "ledger.allocated"
	TopicLedgerRefunded       = "ledger.refunded"
	TopicInventoryDecremented = "inventory.decremented"
	TopicResyncRequested      = "inventory.resync.requested"
	TopicResyncCompleted      = "inventory.resync.completed"
)

const EnvelopeVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderStatusChangedPayload struct {
	OrderID       string    `json:"order_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	PaymentMethod string    `json:"payment_method"`
	ChangedAt     time.Time `json:"changed_at"`
}

type ResyncRequestedPayload struct {
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason,omitempty"`
}

// PartitionKey keeps every event of one order (or one resync run) on the same
// partition so consumers see them in order.
func PartitionKey(correlationID string) []byte { return []byte(correlationID) }
