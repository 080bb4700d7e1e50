// Package domain holds the bucket model and balance aggregate for the
// compute-time ledger. Everything in this package is pure: no I/O, no
// clocks, no logging. Callers supply `now` explicitly.
package domain

import (
	"strings"
	"time"
)

// BucketSource identifies the funding grant behind a bucket. The set is
// closed; adding a source means revisiting every exhaustive switch below.
type BucketSource string

const (
	SourceDaily        BucketSource = "daily"
	SourceSubscription BucketSource = "subscription"
	SourceRollover     BucketSource = "rollover"
	SourcePackage      BucketSource = "package"
	SourceWelcome      BucketSource = "welcome"
	SourceGift         BucketSource = "gift"
)

// Valid reports whether s is a member of the closed source set.
func (s BucketSource) Valid() bool {
	switch s {
	case SourceDaily, SourceSubscription, SourceRollover, SourcePackage, SourceWelcome, SourceGift:
		return true
	default:
		return false
	}
}

// Bonus reports whether draws from this source count against the monthly
// bonus cap. Policy: daily grants are bonus, everything else is paid.
func (s BucketSource) Bonus() bool {
	switch s {
	case SourceDaily:
		return true
	case SourceSubscription, SourceRollover, SourcePackage, SourceWelcome, SourceGift:
		return false
	default:
		return false
	}
}

// Bucket is a single funding grant inside a balance.
type Bucket struct {
	ID        string       `json:"id"`
	Source    BucketSource `json:"source"`
	Seconds   int64        `json:"seconds"`
	Consumed  int64        `json:"consumed"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Remaining returns the undrawn capacity of the bucket.
func (b Bucket) Remaining() int64 {
	return b.Seconds - b.Consumed
}

// ActiveAt reports whether the bucket can still be drawn from at now:
// remaining capacity above zero and not expired. A bucket with ExpiresAt
// exactly equal to now is expired.
func (b Bucket) ActiveAt(now time.Time) bool {
	if b.Remaining() <= 0 {
		return false
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return false
	}
	return true
}

// ApplyDebit draws up to amount from the bucket and returns the updated
// bucket plus how much was actually drawn (min of amount and remaining).
func (b Bucket) ApplyDebit(amount int64) (Bucket, int64, error) {
	if amount < 0 {
		return b, 0, ErrNegativeAmount
	}
	drawn := amount
	if remaining := b.Remaining(); drawn > remaining {
		drawn = remaining
	}
	if drawn < 0 {
		drawn = 0
	}
	b.Consumed += drawn
	return b, drawn, nil
}

// Validate checks the bucket's own invariants.
func (b Bucket) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrInvalidBucketID
	}
	if !b.Source.Valid() {
		return ErrInvalidSource
	}
	if b.Seconds < 0 {
		return ErrNegativeSeconds
	}
	if b.Consumed < 0 || b.Consumed > b.Seconds {
		return ErrConsumedOutOfRange
	}
	return nil
}

// ValidateBuckets checks every bucket plus cross-bucket id uniqueness.
func ValidateBuckets(buckets []Bucket) error {
	seen := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.ID]; dup {
			return ErrDuplicateBucketID
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}
