package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
)

// FixedClock is a settable clock.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeGateway records every call and answers with deterministic ids. The
// PixResult hook, when set, overrides the PIX charge answer.
type FakeGateway struct {
	mu sync.Mutex

	Customers      []billing.CustomerRequest
	Checkouts      []billing.CheckoutSessionRequest
	PixCharges     []billing.PixChargeRequest
	Voided         []string
	PortalSessions []string

	CustomerErr error
	CheckoutErr error
	VoidErr     error
	PortalErr   error
	PixResult   func(req billing.PixChargeRequest, n int) billing.PixChargeResult

	// customers created per idempotency key, like the provider does.
	byKey map[string]string
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{byKey: map[string]string{}}
}

func (g *FakeGateway) CreateCustomer(_ context.Context, req billing.CustomerRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Customers = append(g.Customers, req)
	if g.CustomerErr != nil {
		return "", g.CustomerErr
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	id := fmt.Sprintf("cus_%d", len(g.byKey)+1)
	g.byKey[req.IdempotencyKey] = id
	return id, nil
}

func (g *FakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutSessionRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Checkouts = append(g.Checkouts, req)
	if g.CheckoutErr != nil {
		return "", g.CheckoutErr
	}
	return fmt.Sprintf("https://checkout.example.test/cs_%d", len(g.Checkouts)), nil
}

func (g *FakeGateway) CreatePixCharge(_ context.Context, req billing.PixChargeRequest) billing.PixChargeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PixCharges = append(g.PixCharges, req)
	n := len(g.PixCharges)
	if g.PixResult != nil {
		return g.PixResult(req, n)
	}
	return billing.PixSuccess(
		fmt.Sprintf("pi_%d", n),
		fmt.Sprintf("https://qr.example.test/pi_%d.png", n),
		fmt.Sprintf("00020126pix%d", n),
		time.Now().Add(req.ExpiresAfter),
	)
}

func (g *FakeGateway) VoidCharge(_ context.Context, chargeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Voided = append(g.Voided, chargeID)
	return g.VoidErr
}

func (g *FakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PortalSessions = append(g.PortalSessions, customerID)
	if g.PortalErr != nil {
		return "", g.PortalErr
	}
	return "https://billing.example.test/session/" + customerID, nil
}

// CustomerCalls returns the number of CreateCustomer calls.
func (g *FakeGateway) CustomerCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Customers)
}

// PixCalls returns the number of CreatePixCharge calls.
func (g *FakeGateway) PixCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.PixCharges)
}

// VoidedCharges returns a copy of the voided charge ids.
func (g *FakeGateway) VoidedCharges() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Voided...)
}
