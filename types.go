package paywall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ResponseStatus is the status field carried by every paywall response body
type ResponseStatus string

const (
	StatusOK                  ResponseStatus = "OK"
	StatusBadRequest          ResponseStatus = "BAD_REQUEST"
	StatusServiceUnavailable  ResponseStatus = "SERVICE_UNAVAILABLE"
	StatusUnauthorized        ResponseStatus = "UNAUTHORIZED"
	StatusInternalServerError ResponseStatus = "INTERNAL_SERVER_ERROR"
)

// Magnitude scales the value of a CryptoAmount relative to its base unit
type Magnitude string

const (
	// MagnitudeNone is the base unit, satoshis for BTC
	MagnitudeNone Magnitude = "NONE"
	// MagnitudeMilli is one thousandth of the base unit
	MagnitudeMilli Magnitude = "MILLI"
	// MagnitudeNano is one millionth of the base unit
	MagnitudeNano Magnitude = "NANO"
)

// CurrencyBTC is the only currency code an invoice amount may carry
const CurrencyBTC = "BTC"

// CryptoAmount is the normalized amount object of an invoice
type CryptoAmount struct {
	Value        *int64    `json:"value"`
	CurrencyCode string    `json:"currencyCode,omitempty"`
	Magnitude    Magnitude `json:"magnetude,omitempty"`
}

// NewCryptoAmount builds a BTC amount with the given magnitude
func NewCryptoAmount(value int64, magnitude Magnitude) CryptoAmount {
	return CryptoAmount{
		Value:        &value,
		CurrencyCode: CurrencyBTC,
		Magnitude:    magnitude,
	}
}

// NodeInfo describes the lightning node that issued an invoice
type NodeInfo struct {
	PublicKeyInfo string `json:"publicKeyInfo,omitempty"`
	NodeAddress   string `json:"nodeAddress,omitempty"`
	NodePort      int    `json:"nodePort,omitempty"`
	MainNet       bool   `json:"mainNet"`
	ConnectString string `json:"connectString,omitempty"`
}

// Invoice is issued by the server together with a 402 response
type Invoice struct {
	Status            ResponseStatus `json:"status,omitempty"`
	Type              string         `json:"type,omitempty"`
	PreImageHash      string         `json:"preImageHash"`
	Bolt11Invoice     string         `json:"bolt11Invoice"`
	Description       string         `json:"description,omitempty"`
	InvoiceAmount     CryptoAmount   `json:"invoiceAmount"`
	NodeInfo          *NodeInfo      `json:"nodeInfo,omitempty"`
	Token             string         `json:"token"`
	InvoiceDate       Timestamp      `json:"invoiceDate"`
	InvoiceExpireDate Timestamp      `json:"invoiceExpireDate"`
	PayPerRequest     bool           `json:"payPerRequest"`
	RequestPolicyType string         `json:"requestPolicyType,omitempty"`

	// Links may be relative to the origin of the paywalled API
	CheckSettlementLink              string `json:"checkSettlementLink,omitempty"`
	QRLink                           string `json:"qrLink,omitempty"`
	CheckSettlementWebSocketEndpoint string `json:"checkSettlementWebSocketEndpoint,omitempty"`
	CheckSettlementWebSocketQueue    string `json:"checkSettlementWebSocketQueue,omitempty"`
}

// Settlement is pushed to the client once the invoice has been paid
type Settlement struct {
	Status        ResponseStatus `json:"status,omitempty"`
	Type          string         `json:"type,omitempty"`
	PreImageHash  string         `json:"preImageHash,omitempty"`
	Token         string         `json:"token,omitempty"`
	ValidUntil    Timestamp      `json:"settlementValidUntil"`
	ValidFrom     *Timestamp     `json:"settlementValidFrom"` // nil means valid immediately
	PayPerRequest bool           `json:"payPerRequest"`
	Settled       bool           `json:"settled"`
}

// Payload type discriminators used by the server
const (
	TypeInvoice    = "invoice"
	TypeSettlement = "settlement"
)

// ============================================================================
// Timestamp
// ============================================================================

// Timestamp is a time.Time that reads both RFC 3339 and the paywall server's
// millisecond format with a colon-less zone offset
type Timestamp struct {
	time.Time
}

// TimestampLayout is the layout the paywall server writes timestamps in
const TimestampLayout = "2006-01-02T15:04:05.000-0700"

var timestampLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ParseTimestamp parses any of the accepted timestamp layouts
func ParseTimestamp(value string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// MarshalJSON writes the server layout, or null for the zero time
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(TimestampLayout))
}

// UnmarshalJSON accepts null, a string in any accepted layout, or epoch milliseconds
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.UnixMilli(ms)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
