package paywall

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const timestampSchema = `{"type": ["string", "integer"]}`

var invoiceSchemaJSON = `{
  "type": "object",
  "required": ["token", "invoiceExpireDate"],
  "properties": {
    "status": {"type": "string"},
    "type": {"type": "string"},
    "preImageHash": {"type": "string"},
    "bolt11Invoice": {"type": "string"},
    "description": {"type": ["string", "null"]},
    "invoiceAmount": {
      "type": "object",
      "properties": {
        "value": {"type": "integer"},
        "currencyCode": {"type": "string"},
        "magnetude": {"type": "string"}
      }
    },
    "nodeInfo": {"type": ["object", "null"]},
    "token": {"type": "string", "minLength": 1},
    "invoiceDate": {"type": ["string", "integer", "null"]},
    "invoiceExpireDate": ` + timestampSchema + `,
    "payPerRequest": {"type": "boolean"},
    "requestPolicyType": {"type": ["string", "null"]},
    "checkSettlementLink": {"type": ["string", "null"]},
    "qrLink": {"type": ["string", "null"]},
    "checkSettlementWebSocketEndpoint": {"type": ["string", "null"]},
    "checkSettlementWebSocketQueue": {"type": ["string", "null"]}
  }
}`

var settlementSchemaJSON = `{
  "type": "object",
  "required": ["token", "settlementValidUntil"],
  "properties": {
    "status": {"type": "string"},
    "type": {"type": "string"},
    "preImageHash": {"type": "string"},
    "token": {"type": "string", "minLength": 1},
    "settlementValidUntil": ` + timestampSchema + `,
    "settlementValidFrom": {"type": ["string", "integer", "null"]},
    "payPerRequest": {"type": "boolean"},
    "settled": {"type": "boolean"}
  }
}`

const errorSchemaJSON = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "message": {"type": ["string", "null"]},
    "errors": {"type": ["array", "null"], "items": {"type": "string"}},
    "reason": {"type": ["string", "null"]}
  }
}`

var (
	invoiceSchema    = lazySchema(invoiceSchemaJSON)
	settlementSchema = lazySchema(settlementSchemaJSON)
	errorSchema      = lazySchema(errorSchemaJSON)
)

func lazySchema(source string) func() (*gojsonschema.Schema, error) {
	return sync.OnceValues(func() (*gojsonschema.Schema, error) {
		return gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	})
}

// ValidationResult holds the outcome of a payload schema check
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func validate(schema func() (*gojsonschema.Schema, error), data []byte) ValidationResult {
	s, err := schema()
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("Failed to load schema: %v", err)}}
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("Schema validation failed: %v", err)}}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Errors: errs}
}

// ValidateInvoice checks data against the invoice schema
func ValidateInvoice(data []byte) ValidationResult {
	return validate(invoiceSchema, data)
}

// ValidateSettlement checks data against the settlement schema
func ValidateSettlement(data []byte) ValidationResult {
	return validate(settlementSchema, data)
}

// ValidateErrorPayload checks data against the error payload schema
func ValidateErrorPayload(data []byte) ValidationResult {
	return validate(errorSchema, data)
}

// ============================================================================
// Decoding
// ============================================================================

func decode[T any](kind string, check func([]byte) ValidationResult, data []byte) (*T, error) {
	if r := check(data); !r.Valid {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformedPayload, kind, strings.Join(r.Errors, "; "))
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
	}
	return &v, nil
}

// DecodeInvoice validates and parses an invoice body
func DecodeInvoice(data []byte) (*Invoice, error) {
	return decode[Invoice]("invoice", ValidateInvoice, data)
}

// DecodeSettlement validates and parses a settlement body
func DecodeSettlement(data []byte) (*Settlement, error) {
	return decode[Settlement]("settlement", ValidateSettlement, data)
}

// DecodeErrorPayload validates and parses an error body
func DecodeErrorPayload(data []byte) (*ErrorPayload, error) {
	return decode[ErrorPayload]("error", ValidateErrorPayload, data)
}

// DecodeSettlementFrame parses a frame pushed on the settlement channel. Frames
// with status OK carry a settlement, any other status carries an error payload.
func DecodeSettlementFrame(data []byte) (*Settlement, *ErrorPayload, error) {
	var head struct {
		Status ResponseStatus `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, nil, fmt.Errorf("%w: frame: %v", ErrMalformedPayload, err)
	}
	if head.Status == StatusOK {
		s, err := DecodeSettlement(data)
		return s, nil, err
	}
	e, err := DecodeErrorPayload(data)
	return nil, e, err
}
