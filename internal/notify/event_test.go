package notify

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestEventMarshalsAmountAsFixedNumber(t *testing.T) {
	event := NewEvent("p1", "o1", "authorized", decimal.RequireFromString("10.00"))

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if !strings.Contains(string(data), `"amount":10.00`) {
		t.Fatalf("expected bare two-decimal amount on the wire, got %s", data)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if decoded["amount"] != 10.0 {
		t.Fatalf("expected numeric amount, got %T %v", decoded["amount"], decoded["amount"])
	}
}

func TestEventMarshalsAmountRounded(t *testing.T) {
	event := NewEvent("p1", "o1", "authorized", decimal.RequireFromString("123.456"))

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if !strings.Contains(string(data), `"amount":123.46`) {
		t.Fatalf("expected amount rounded to cents, got %s", data)
	}
}
