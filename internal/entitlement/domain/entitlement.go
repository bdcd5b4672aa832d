package entitlement

import (
	"context"
	"time"
)

// Status is a device's billing entitlement state. It is the sole authority
// for routing decisions in the ingestion pipeline.
type Status string

const (
	// StatusActive routes data to the live store.
	StatusActive Status = "active"
	// StatusGrace parks data for possible later replay.
	StatusGrace Status = "grace"
	// StatusExpired discards data.
	StatusExpired Status = "expired"
	// StatusUnknown discards data until a lookup succeeds; never cached.
	StatusUnknown Status = "unknown"
)

// Subscription is the raw billing record for a device's owner.
type Subscription struct {
	Active      bool
	NextPayment *time.Time
}

// SubscriptionReader looks up the billing record behind a device.
type SubscriptionReader interface {
	Get(ctx context.Context, deviceID string) (Subscription, error)
}

// TransitionKind identifies the background work an entitlement transition
// triggers.
type TransitionKind string

const (
	// KindReplay moves parked rows back to the live store (grace to active).
	KindReplay TransitionKind = "replay"
	// KindPurge deletes parked rows (grace to expired).
	KindPurge TransitionKind = "purge"
)

// TransitionSpawner accepts background transition work.
type TransitionSpawner interface {
	Spawn(kind TransitionKind, deviceID string)
}
