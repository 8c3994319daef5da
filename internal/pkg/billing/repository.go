package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/StoreBilling/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetByStoreID(ctx context.Context, storeID string) (*models.Subscription, error)
	GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	// Create inserts the first row of a store. When the row already exists
	// the strict policy returns ErrConcurrentUpdate, the lenient policy
	// overwrites it.
	Create(ctx context.Context, sub *models.Subscription) error
	// Update writes sub back. Under the strict policy the write only happens
	// when the stored version still equals expectedVersion.
	Update(ctx context.Context, sub *models.Subscription, expectedVersion uint) error
	ListSweepCandidates(ctx context.Context) ([]models.Subscription, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, storeID, processingError string) error
}

type gormRepository struct {
	db     *gorm.DB
	policy WritePolicy
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB, policy WritePolicy) Repository {
	return &gormRepository{db: db, policy: policy}
}

var mutableSubscriptionColumns = []string{
	"plan",
	"status",
	"payment_method",
	"email",
	"external_customer_id",
	"external_subscription_id",
	"current_period_end",
	"pix_invoice_id",
	"pix_qr_code_url",
	"pix_code",
	"pix_expires_at",
	"updated_at",
}

func (r *gormRepository) GetByStoreID(ctx context.Context, storeID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("store_id = ?", storeID).First(&sub).Error
	if err != nil {
		return nil, translateError("load subscription", "subscription", storeID, err)
	}
	return &sub, nil
}

func (r *gormRepository) GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("external_customer_id = ?", customerID).First(&sub).Error
	if err != nil {
		return nil, translateError("load subscription by customer", "customer", customerID, err)
	}
	return &sub, nil
}

func (r *gormRepository) Create(ctx context.Context, sub *models.Subscription) error {
	res := r.insertStatement(r.db.WithContext(ctx)).Create(sub)
	if res.Error != nil {
		return &DatabaseError{Op: "insert subscription", Err: res.Error}
	}
	if res.RowsAffected == 0 && r.policy == WritePolicyStrict {
		// Another request created the row after our read.
		return ErrConcurrentUpdate
	}

	// The insert id is not reliable when the conflict branch ran.
	var stored models.Subscription
	if err := r.db.WithContext(ctx).Where("store_id = ?", sub.StoreID).First(&stored).Error; err != nil {
		return &DatabaseError{Op: "reload subscription", Err: err}
	}
	*sub = stored
	return nil
}

// insertStatement scopes an insert by store_id conflict handling. Strict
// leaves an existing row untouched, lenient overwrites it.
func (r *gormRepository) insertStatement(tx *gorm.DB) *gorm.DB {
	if r.policy == WritePolicyStrict {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store_id"}},
			DoNothing: true,
		})
	}
	set := clause.AssignmentColumns(mutableSubscriptionColumns)
	set = append(set, clause.Assignment{Column: clause.Column{Name: "version"}, Value: gorm.Expr("version + 1")})
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_id"}},
		DoUpdates: set,
	})
}

func (r *gormRepository) Update(ctx context.Context, sub *models.Subscription, expectedVersion uint) error {
	res := r.updateStatement(r.db.WithContext(ctx), sub, expectedVersion)
	if res.Error != nil {
		return &DatabaseError{Op: "update subscription", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		if r.policy == WritePolicyStrict {
			return ErrConcurrentUpdate
		}
		return &NotFoundError{Resource: "subscription", Key: sub.StoreID}
	}
	sub.Version = expectedVersion + 1
	return nil
}

// updateStatement runs the row update on tx. Under the strict policy the
// WHERE clause also pins the version read by the caller.
func (r *gormRepository) updateStatement(tx *gorm.DB, sub *models.Subscription, expectedVersion uint) *gorm.DB {
	updates := map[string]interface{}{
		"plan":                     sub.Plan,
		"status":                   sub.Status,
		"payment_method":           sub.PaymentMethod,
		"email":                    sub.Email,
		"external_customer_id":     sub.ExternalCustomerID,
		"external_subscription_id": sub.ExternalSubscriptionID,
		"current_period_end":       sub.CurrentPeriodEnd,
		"pix_invoice_id":           sub.PixInvoiceID,
		"pix_qr_code_url":          sub.PixQrCodeURL,
		"pix_code":                 sub.PixCode,
		"pix_expires_at":           sub.PixExpiresAt,
		"version":                  expectedVersion + 1,
		"updated_at":               time.Now().UTC(),
	}

	q := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID)
	if r.policy == WritePolicyStrict {
		q = q.Where("version = ?", expectedVersion)
	}
	return q.Updates(updates)
}

func (r *gormRepository) ListSweepCandidates(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("payment_method = ? AND status IN ?", models.PaymentMethodPix, SweepableStatuses()).
		Order("id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, &DatabaseError{Op: "list sweep candidates", Err: err}
	}
	return subs, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, &DatabaseError{Op: "record webhook event", Err: tx.Error}
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, &DatabaseError{Op: "load webhook event", Err: err}
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, storeID, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"store_id":         storeID,
	}
	if err := r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return &DatabaseError{Op: "mark webhook processed", Err: err}
	}
	return nil
}

func translateError(op, resource, key string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Resource: resource, Key: key}
	}
	return &DatabaseError{Op: op, Err: err}
}
