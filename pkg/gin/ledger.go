package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	paywall "github.com/lnpaywall/paywall/go"
	paywallhttp "github.com/lnpaywall/paywall/go/http"
	"github.com/lnpaywall/paywall/go/logger"
)

// Default invoice link layout
const (
	DefaultWebSocketEndpoint = "/paywall/websocket/checksettlement"
	DefaultQueuePrefix       = "/queue/paywall/checksettlement/"
	DefaultCheckSettlement   = "/paywall/api/checkSettlement"
	DefaultQRCode            = "/paywall/genqrcode"
)

// Ledger errors
var (
	ErrUnknownInvoice        = errors.New("unknown invoice")
	ErrInvoiceExpired        = errors.New("invoice has expired")
	ErrUnknownToken          = errors.New("unknown settlement token")
	ErrTokenConsumed         = errors.New("settlement token already used")
	ErrSettlementExpired     = errors.New("settlement has expired")
	ErrSettlementNotYetValid = errors.New("settlement not yet valid")
	ErrResourceMismatch      = errors.New("settlement token was issued for another resource")
)

// Publisher pushes a settlement frame on a settlement queue
type Publisher func(queue string, settlement *paywall.Settlement)

type ledgerEntry struct {
	method     string
	path       string
	invoice    *paywall.Invoice
	settlement *paywall.Settlement
	used       bool
}

// Ledger is an in-memory InvoiceIssuer and TokenVerifier. Invoices are settled
// explicitly with Settle, which stands in for the lightning node reporting payment.
type Ledger struct {
	mu       sync.Mutex
	invoices map[string]*ledgerEntry
	tokens   map[string]*ledgerEntry

	now                func() time.Time
	settlementValidity time.Duration
	validFromDelay     time.Duration
	webSocketEndpoint  string
	publish            Publisher
	log                zerolog.Logger
}

// LedgerOption configures a Ledger
type LedgerOption func(*Ledger)

// WithLedgerClock replaces time.Now
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithSettlementValidity sets how long a settlement stays valid
func WithSettlementValidity(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.settlementValidity = d
	}
}

// WithValidFromDelay makes settlements valid only d after they are issued
func WithValidFromDelay(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.validFromDelay = d
	}
}

// WithWebSocketEndpoint sets the settlement push endpoint advertised in invoices
func WithWebSocketEndpoint(endpoint string) LedgerOption {
	return func(l *Ledger) {
		l.webSocketEndpoint = endpoint
	}
}

// WithPublisher sets where settlements are pushed
func WithPublisher(publish Publisher) LedgerOption {
	return func(l *Ledger) {
		l.publish = publish
	}
}

// WithLedgerLogger sets the logger. Defaults to logger.Logger.
func WithLedgerLogger(log zerolog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.log = log
	}
}

// NewLedger creates an empty ledger
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		invoices:           make(map[string]*ledgerEntry),
		tokens:             make(map[string]*ledgerEntry),
		now:                time.Now,
		settlementValidity: time.Hour,
		webSocketEndpoint:  DefaultWebSocketEndpoint,
		log:                logger.Logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	_ paywallhttp.InvoiceIssuer = (*Ledger)(nil)
	_ paywallhttp.TokenVerifier = (*Ledger)(nil)
)

// IssueInvoice implements paywallhttp.InvoiceIssuer
func (l *Ledger) IssueInvoice(_ context.Context, req paywallhttp.InvoiceRequest) (*paywall.Invoice, error) {
	now := l.now()
	hash := strings.ReplaceAll(uuid.NewString(), "-", "")
	bolt11 := "lnbcrt" + hash

	invoice := &paywall.Invoice{
		Status:                           paywall.StatusOK,
		Type:                             paywall.TypeInvoice,
		PreImageHash:                     hash,
		Bolt11Invoice:                    bolt11,
		Description:                      req.Description,
		InvoiceAmount:                    req.Amount,
		Token:                            uuid.NewString(),
		InvoiceDate:                      paywall.NewTimestamp(now),
		InvoiceExpireDate:                paywall.NewTimestamp(now.Add(req.Expiry)),
		PayPerRequest:                    req.PayPerRequest,
		RequestPolicyType:                "URL_AND_METHOD",
		CheckSettlementLink:              DefaultCheckSettlement + "?pht=" + hash,
		QRLink:                           DefaultQRCode + "?d=" + bolt11,
		CheckSettlementWebSocketEndpoint: l.webSocketEndpoint,
		CheckSettlementWebSocketQueue:    DefaultQueuePrefix + hash,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.invoices[hash] = &ledgerEntry{method: req.Method, path: req.Path, invoice: invoice}
	l.log.Debug().Str("preImageHash", hash).Bool("payPerRequest", req.PayPerRequest).Msg("Issued invoice")
	return invoice, nil
}

// Invoices returns the preimage hashes of all issued invoices
func (l *Ledger) Invoices() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.invoices))
	for hash := range l.invoices {
		out = append(out, hash)
	}
	return out
}

// Settle marks the invoice paid, issues its settlement and publishes it
func (l *Ledger) Settle(preImageHash string) (*paywall.Settlement, error) {
	l.mu.Lock()
	entry, ok := l.invoices[preImageHash]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownInvoice, preImageHash)
	}
	now := l.now()
	if entry.invoice.InvoiceExpireDate.Before(now) {
		l.mu.Unlock()
		return nil, ErrInvoiceExpired
	}
	if entry.settlement == nil {
		s := &paywall.Settlement{
			Status:        paywall.StatusOK,
			Type:          paywall.TypeSettlement,
			PreImageHash:  preImageHash,
			Token:         uuid.NewString(),
			ValidUntil:    paywall.NewTimestamp(now.Add(l.settlementValidity)),
			PayPerRequest: entry.invoice.PayPerRequest,
			Settled:       true,
		}
		if l.validFromDelay > 0 {
			from := paywall.NewTimestamp(now.Add(l.validFromDelay))
			s.ValidFrom = &from
		}
		entry.settlement = s
		l.tokens[s.Token] = entry
	}
	settlement := entry.settlement
	queue := entry.invoice.CheckSettlementWebSocketQueue
	l.mu.Unlock()

	l.log.Info().Str("preImageHash", preImageHash).Str("queue", queue).Msg("Invoice settled")
	if l.publish != nil {
		l.publish(queue, settlement)
	}
	return settlement, nil
}

// Verify implements paywallhttp.TokenVerifier. A token only opens the method
// and path its invoice was issued for.
func (l *Ledger) Verify(_ context.Context, token string, req paywallhttp.InvoiceRequest) (*paywall.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.tokens[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	if !strings.EqualFold(entry.method, req.Method) || entry.path != req.Path {
		return nil, fmt.Errorf("%w: %s %s", ErrResourceMismatch, entry.method, entry.path)
	}
	if entry.used {
		return nil, ErrTokenConsumed
	}
	now := l.now()
	s := entry.settlement
	if s.ValidFrom != nil && s.ValidFrom.After(now) {
		return nil, ErrSettlementNotYetValid
	}
	if s.ValidUntil.Before(now) {
		return nil, ErrSettlementExpired
	}
	return s, nil
}

// Consume implements paywallhttp.TokenVerifier
func (l *Ledger) Consume(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.tokens[token]
	if !ok {
		return ErrUnknownToken
	}
	if entry.used {
		return ErrTokenConsumed
	}
	if entry.settlement.PayPerRequest {
		entry.used = true
	}
	return nil
}

// CheckSettlementHandler serves the check settlement link of issued invoices
func (l *Ledger) CheckSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Query("pht")

		l.mu.Lock()
		entry, ok := l.invoices[hash]
		var settlement *paywall.Settlement
		if ok {
			settlement = entry.settlement
		}
		l.mu.Unlock()

		if !ok {
			AbortWithPaywallError(c, http.StatusBadRequest, paywall.StatusBadRequest, fmt.Errorf("%w: %s", ErrUnknownInvoice, hash))
			return
		}
		if settlement == nil {
			c.JSON(http.StatusOK, gin.H{
				"status":       paywall.StatusOK,
				"type":         paywall.TypeSettlement,
				"preImageHash": hash,
				"settled":      false,
			})
			return
		}
		c.JSON(http.StatusOK, settlement)
	}
}

// SettleHandler settles the invoice named by the pht query parameter, standing
// in for the lightning node in development setups
func (l *Ledger) SettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := l.Settle(c.Query("pht"))
		switch {
		case errors.Is(err, ErrUnknownInvoice):
			AbortWithPaywallError(c, http.StatusNotFound, paywall.StatusBadRequest, err)
		case err != nil:
			AbortWithPaywallError(c, http.StatusBadRequest, paywall.StatusBadRequest, err)
		default:
			c.JSON(http.StatusOK, settlement)
		}
	}
}

// RegisterSettlementRoutes mounts the check settlement link of the ledger and
// the WebSocket endpoint settlements are pushed on
func RegisterSettlementRoutes(router gin.IRoutes, ledger *Ledger, push http.Handler) {
	router.GET(DefaultCheckSettlement, ledger.CheckSettlementHandler())
	if push != nil {
		router.GET(ledger.webSocketEndpoint, gin.WrapH(push))
	}
}

// SubscriptionWatcher reports the settlement queue subscriptions of a push broker
type SubscriptionWatcher interface {
	Subscribers(destination string) int
	Changed() <-chan struct{}
}

// AutoSettle settles every open invoice once a client subscribed to its
// settlement queue on watcher, until ctx is done. It stands in for an
// instantly paying wallet.
func (l *Ledger) AutoSettle(ctx context.Context, watcher SubscriptionWatcher) {
	settled := make(map[string]bool)
	for {
		changed := watcher.Changed()
		for _, hash := range l.Invoices() {
			if settled[hash] || watcher.Subscribers(DefaultQueuePrefix+hash) == 0 {
				continue
			}
			settled[hash] = true
			if _, err := l.Settle(hash); err != nil {
				l.log.Warn().Err(err).Str("preImageHash", hash).Msg("Auto settle failed")
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}
