package postgres

import (
	"context"
	"database/sql"
	"errors"

	entitlement "cuentatron-cloud/internal/entitlement/domain"
)

// SubscriptionRepository reads billing records from Postgres.
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository constructs a subscription repository.
func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Get returns the subscription behind a device. A device with no billing
// record resolves to an inactive subscription without a payment date,
// which the resolver derives as expired.
func (r *SubscriptionRepository) Get(ctx context.Context, deviceID string) (entitlement.Subscription, error) {
	if r == nil || r.db == nil {
		return entitlement.Subscription{}, errors.New("subscription repository: nil db")
	}

	query := `
SELECT c.subscription_status = 'active', c.next_payment_date
FROM customers c
JOIN devices d ON d.customer_id = c.id
WHERE d.device_id = $1`

	var active bool
	var nextPayment sql.NullTime
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&active, &nextPayment)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Subscription{}, nil
	}
	if err != nil {
		return entitlement.Subscription{}, err
	}

	sub := entitlement.Subscription{Active: active}
	if nextPayment.Valid {
		ts := nextPayment.Time.UTC()
		sub.NextPayment = &ts
	}
	return sub, nil
}

var _ entitlement.SubscriptionReader = (*SubscriptionRepository)(nil)
