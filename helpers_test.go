package paywall

import (
	"sync"
	"time"
)

var baseTime = time.Date(2019, 6, 1, 7, 0, 0, 0, time.UTC)

// fakeClock is a settable clock for flows and caches
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testInvoice(expire time.Time) *Invoice {
	return &Invoice{
		Status:                           StatusOK,
		Type:                             TypeInvoice,
		PreImageHash:                     "7XPtn6bVxSEcCqpfJGwkMfhAkAU9ZRJ5Bsy4hjsgUjTX",
		Bolt11Invoice:                    "lntb100n1pw0w0e3pp5...",
		Description:                      "test invoice",
		InvoiceAmount:                    NewCryptoAmount(10, MagnitudeNone),
		Token:                            "invoice-token",
		InvoiceDate:                      NewTimestamp(expire.Add(-time.Hour)),
		InvoiceExpireDate:                NewTimestamp(expire),
		PayPerRequest:                    true,
		CheckSettlementLink:              "/paywall/api/checkSettlement?pht=abc",
		QRLink:                           "/paywall/genqrcode?d=lntb100n1",
		CheckSettlementWebSocketEndpoint: "/paywall/websocket/checksettlement",
		CheckSettlementWebSocketQueue:    "/queue/paywall/checksettlement/abc",
	}
}

func testSettlement(validFrom *time.Time, validUntil time.Time, payPerRequest bool) *Settlement {
	s := &Settlement{
		Status:        StatusOK,
		Type:          TypeSettlement,
		PreImageHash:  "7XPtn6bVxSEcCqpfJGwkMfhAkAU9ZRJ5Bsy4hjsgUjTX",
		Token:         "settlement-token",
		ValidUntil:    NewTimestamp(validUntil),
		PayPerRequest: payPerRequest,
		Settled:       true,
	}
	if validFrom != nil {
		ts := NewTimestamp(*validFrom)
		s.ValidFrom = &ts
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
