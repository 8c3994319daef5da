// Package billingtest provides in-memory fakes for exercising the billing
// service without a database or payment provider.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/StoreBilling/app/models"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
)

// MemoryRepository implements billing.Repository on maps. Rows are copied on
// every read and write so callers never share pointers with the store.
type MemoryRepository struct {
	mu       sync.Mutex
	policy   billing.WritePolicy
	nextID   uint
	subs     map[string]*models.Subscription
	events   map[string]*models.BillingWebhookEvent
	nextEvt  uint
	failures map[string]error

	// BeforeUpdate, when set, runs inside Update before the version check.
	// Tests use it to simulate a concurrent writer.
	BeforeUpdate func(storeID string)
}

func NewMemoryRepository(policy billing.WritePolicy) *MemoryRepository {
	return &MemoryRepository{
		policy:   policy,
		subs:     map[string]*models.Subscription{},
		events:   map[string]*models.BillingWebhookEvent{},
		failures: map[string]error{},
	}
}

// FailUpdatesFor makes every Update of storeID return err.
func (r *MemoryRepository) FailUpdatesFor(storeID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[storeID] = err
}

// Seed stores sub as is and returns the stored copy.
func (r *MemoryRepository) Seed(sub models.Subscription) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub.ID = r.nextID
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.UpdatedAt = sub.CreatedAt
	r.subs[sub.StoreID] = clone(&sub)
	return clone(&sub)
}

// Get returns a copy of the stored row or nil.
func (r *MemoryRepository) Get(storeID string) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[storeID]
	if !ok {
		return nil
	}
	return clone(s)
}

// Bump increments the stored version of storeID as a concurrent writer would.
func (r *MemoryRepository) Bump(storeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[storeID]; ok {
		s.Version++
	}
}

func (r *MemoryRepository) GetByStoreID(_ context.Context, storeID string) (*models.Subscription, error) {
	if s := r.Get(storeID); s != nil {
		return s, nil
	}
	return nil, &billing.NotFoundError{Resource: "subscription", Key: storeID}
}

func (r *MemoryRepository) GetByCustomerID(_ context.Context, customerID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ExternalCustomerID != nil && *s.ExternalCustomerID == customerID {
			return clone(s), nil
		}
	}
	return nil, &billing.NotFoundError{Resource: "customer", Key: customerID}
}

func (r *MemoryRepository) Create(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := r.subs[sub.StoreID]; ok {
		if r.policy == billing.WritePolicyStrict {
			return billing.ErrConcurrentUpdate
		}
		sub.ID = prev.ID
		sub.Version = prev.Version + 1
		sub.CreatedAt = prev.CreatedAt
	} else {
		r.nextID++
		sub.ID = r.nextID
		sub.Version = 0
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.subs[sub.StoreID] = clone(sub)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, sub *models.Subscription, expectedVersion uint) error {
	if r.BeforeUpdate != nil {
		r.BeforeUpdate(sub.StoreID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[sub.StoreID]; err != nil {
		return err
	}
	prev, ok := r.subs[sub.StoreID]
	if !ok || prev.ID != sub.ID {
		return &billing.NotFoundError{Resource: "subscription", Key: sub.StoreID}
	}
	if r.policy == billing.WritePolicyStrict && prev.Version != expectedVersion {
		return billing.ErrConcurrentUpdate
	}
	sub.Version = expectedVersion + 1
	sub.CreatedAt = prev.CreatedAt
	sub.UpdatedAt = time.Now().UTC()
	r.subs[sub.StoreID] = clone(sub)
	return nil
}

func (r *MemoryRepository) ListSweepCandidates(_ context.Context) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := map[string]bool{}
	for _, s := range billing.SweepableStatuses() {
		statuses[s] = true
	}
	out := []models.Subscription{}
	for _, s := range r.subs {
		if s.PaymentMethod == models.PaymentMethodPix && statuses[s.Status] {
			out = append(out, *clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) CreateWebhookEventIfNotExists(_ context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + ":" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextEvt++
	cp := *event
	cp.ID = r.nextEvt
	cp.CreatedAt = time.Now().UTC()
	r.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *MemoryRepository) MarkWebhookProcessed(_ context.Context, id uint, storeID, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now().UTC()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			e.StoreID = storeID
			return nil
		}
	}
	return &billing.NotFoundError{Resource: "webhook event", Key: "id"}
}

// Event returns a copy of the stored webhook event.
func (r *MemoryRepository) Event(provider, eventID string) *models.BillingWebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[provider+":"+eventID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func clone(s *models.Subscription) *models.Subscription {
	cp := *s
	cp.ExternalCustomerID = cloneString(s.ExternalCustomerID)
	cp.ExternalSubscriptionID = cloneString(s.ExternalSubscriptionID)
	cp.PixInvoiceID = cloneString(s.PixInvoiceID)
	cp.PixQrCodeURL = cloneString(s.PixQrCodeURL)
	cp.PixCode = cloneString(s.PixCode)
	if s.PixExpiresAt != nil {
		t := *s.PixExpiresAt
		cp.PixExpiresAt = &t
	}
	return &cp
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
