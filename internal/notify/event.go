package notify

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventPaymentUpdated is the only event kind the hub currently carries.
const EventPaymentUpdated = "payment.updated"

// Event is an immutable payment-status notification produced by an external
// collaborator (typically a payment webhook handler).
type Event struct {
	Event            string          `json:"event"`
	PaymentID        string          `json:"paymentId"`
	OrderReferenceID string          `json:"orderReferenceId"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Timestamp        time.Time       `json:"timestamp"`
}

// MarshalJSON renders the amount as a bare JSON number with two decimal
// places, the form payment consumers expect (10.00, not "10").
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		Amount json.RawMessage `json:"amount"`
	}{
		plain:  plain(e),
		Amount: json.RawMessage(e.Amount.StringFixed(2)),
	})
}

// NewEvent builds a payment.updated event stamped with the current time.
func NewEvent(paymentID, orderReferenceID, status string, amount decimal.Decimal) Event {
	return Event{
		Event:            EventPaymentUpdated,
		PaymentID:        paymentID,
		OrderReferenceID: orderReferenceID,
		Status:           status,
		Amount:           amount,
		Timestamp:        time.Now().UTC(),
	}
}
