// Package http provides the HTTP side of the paywall payment flow: a
// RoundTripper that pays for 402 responses and replays the request, and an
// XMLHttpRequest-shaped Request handle exposing the flow.
package http

import (
	"context"
	"io"
	"net/http"
)

// Headers exchanged with a paywalled API
const (
	// HeaderPayment carries the settlement token when a request is replayed
	HeaderPayment = "Payment"
	// HeaderPaywallMessage marks a 4xx/5xx response whose body is a paywall error
	HeaderPaywallMessage = "PAYWALL_MESSAGE"
)

// ============================================================================
// Re-export main types for convenience
// ============================================================================

// HTTPClient is an alias for paywallHTTPClient
type HTTPClient = paywallHTTPClient

// ============================================================================
// Constructor functions with simpler names
// ============================================================================

// NewClient creates a new HTTP-aware payment flow client
func NewClient(opts ...ClientOption) *paywallHTTPClient {
	return NewPaywallHTTPClient(opts...)
}

// ============================================================================
// Convenience functions
// ============================================================================

// WrapClient wraps a standard HTTP client with paywall handling
func WrapClient(client *http.Client, paywallClient *paywallHTTPClient) *http.Client {
	return WrapHTTPClientWithPayment(client, paywallClient)
}

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, paywallClient *paywallHTTPClient) (*http.Response, error) {
	return paywallClient.GetWithPayment(ctx, url)
}

// Post performs a POST request with automatic payment handling
func Post(ctx context.Context, url string, body io.Reader, paywallClient *paywallHTTPClient) (*http.Response, error) {
	return paywallClient.PostWithPayment(ctx, url, body)
}

// Do performs an HTTP request with automatic payment handling
func Do(ctx context.Context, req *http.Request, paywallClient *paywallHTTPClient) (*http.Response, error) {
	return paywallClient.DoWithPayment(ctx, req)
}
