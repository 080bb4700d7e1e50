package domain

import (
	"sort"
	"strings"
	"time"
)

// BucketList is stored as a JSON column on the balance row so the bucket
// set and the cached totals always commit as one unit.
type BucketList []Bucket

// Balance is the per-user aggregate: the owned bucket collection plus
// cached totals that must always equal a fresh recomputation.
type Balance struct {
	UserID                string     `json:"user_id" gorm:"primaryKey;type:text"`
	Buckets               BucketList `json:"buckets" gorm:"serializer:json"`
	TotalPaidSeconds      int64      `json:"total_paid_seconds" gorm:"not null;default:0"`
	TotalBonusSeconds     int64      `json:"total_bonus_seconds" gorm:"not null;default:0"`
	NextExpiryAt          *time.Time `json:"next_expiry_at"`
	BonusUsedThisMonth    int64      `json:"bonus_used_this_month" gorm:"not null;default:0"`
	BonusMonthlyCap       int64      `json:"bonus_monthly_cap" gorm:"not null;default:0"`
	BonusPeriod           string     `json:"bonus_period" gorm:"type:text;not null;default:''"`
	PricingCatalogVersion string     `json:"pricing_catalog_version" gorm:"type:text;not null;default:''"`
	CreatedAt             time.Time  `json:"created_at" gorm:"not null;autoCreateTime:false"`
	UpdatedAt             time.Time  `json:"updated_at" gorm:"not null;autoUpdateTime:false"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// NewBalance materializes the implicit zero balance for a user.
func NewBalance(userID string, bonusMonthlyCap int64, catalogVersion string, now time.Time) *Balance {
	return &Balance{
		UserID:                userID,
		Buckets:               BucketList{},
		BonusMonthlyCap:       bonusMonthlyCap,
		BonusPeriod:           PeriodToken(now),
		PricingCatalogVersion: catalogVersion,
		CreatedAt:             now.UTC(),
		UpdatedAt:             now.UTC(),
	}
}

// PeriodToken renders the calendar-month token the bonus counter is keyed
// by, e.g. "2026-08".
func PeriodToken(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RollBonusPeriod resets the monthly bonus counter when the calendar month
// has changed. Returns true when a roll happened. Totals are untouched.
func (b *Balance) RollBonusPeriod(now time.Time) bool {
	token := PeriodToken(now)
	if b.BonusPeriod == token {
		return false
	}
	b.BonusPeriod = token
	b.BonusUsedThisMonth = 0
	return true
}

// Validate checks every structural invariant: bucket invariants, id
// uniqueness, the bonus cap, and that the cached totals match a fresh
// recomputation. It never repairs state.
func (b *Balance) Validate(now time.Time) error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrInvalidUser
	}
	if err := ValidateBuckets(b.Buckets); err != nil {
		return err
	}
	if b.BonusMonthlyCap < 0 || b.BonusUsedThisMonth < 0 || b.BonusUsedThisMonth > b.BonusMonthlyCap {
		return ErrBonusCapExceeded
	}
	paid, bonus, next := b.computeTotals(now)
	if paid != b.TotalPaidSeconds || bonus != b.TotalBonusSeconds {
		return ErrStaleTotals
	}
	if (next == nil) != (b.NextExpiryAt == nil) {
		return ErrStaleTotals
	}
	if next != nil && !next.Equal(*b.NextExpiryAt) {
		return ErrStaleTotals
	}
	return nil
}

// Recompute re-derives the cached totals from the active bucket set. It is
// mandatory after any structural change; a mutation is not committed until
// Validate and Recompute both succeed.
func (b *Balance) Recompute(now time.Time) {
	paid, bonus, next := b.computeTotals(now)
	b.TotalPaidSeconds = paid
	b.TotalBonusSeconds = bonus
	b.NextExpiryAt = next
	b.UpdatedAt = now.UTC()
}

func (b *Balance) computeTotals(now time.Time) (paid, bonus int64, next *time.Time) {
	for _, bucket := range b.Buckets {
		if !bucket.ActiveAt(now) {
			continue
		}
		if bucket.Source.Bonus() {
			bonus += bucket.Remaining()
		} else {
			paid += bucket.Remaining()
		}
		if bucket.ExpiresAt != nil {
			expiry := bucket.ExpiresAt.UTC()
			if next == nil || expiry.Before(*next) {
				next = &expiry
			}
		}
	}
	return paid, bonus, next
}

// BonusHeadroom is how much bonus may still be drawn this month.
func (b *Balance) BonusHeadroom() int64 {
	headroom := b.BonusMonthlyCap - b.BonusUsedThisMonth
	if headroom < 0 {
		return 0
	}
	return headroom
}

// CapacityAt is the total amount a debit could draw right now: all paid
// remaining plus bonus remaining clipped to the monthly-cap headroom.
func (b *Balance) CapacityAt(now time.Time) int64 {
	paid, bonus, _ := b.computeTotals(now)
	if headroom := b.BonusHeadroom(); bonus > headroom {
		bonus = headroom
	}
	return paid + bonus
}

// Draw records how much a single bucket contributes to a debit.
type Draw struct {
	BucketID string       `json:"bucket_id"`
	Source   BucketSource `json:"source"`
	Seconds  int64        `json:"seconds"`
}

// PlanDrain decides which buckets satisfy a debit of amount seconds and in
// what order: earliest expiry first among active buckets, non-expiring
// last, ties broken by creation order. Bonus-source draws are clipped to
// the monthly-cap headroom. The balance is not mutated; when capacity is
// insufficient ErrInsufficientBalance is returned and no plan is produced.
func (b *Balance) PlanDrain(now time.Time, amount int64) ([]Draw, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	if amount == 0 {
		return nil, nil
	}
	if b.CapacityAt(now) < amount {
		return nil, ErrInsufficientBalance
	}

	type candidate struct {
		index  int
		bucket Bucket
	}
	active := make([]candidate, 0, len(b.Buckets))
	for i, bucket := range b.Buckets {
		if bucket.ActiveAt(now) {
			active = append(active, candidate{index: i, bucket: bucket})
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		bi, bj := active[i].bucket, active[j].bucket
		switch {
		case bi.ExpiresAt == nil && bj.ExpiresAt == nil:
			return drainTieBreak(bi, bj, active[i].index, active[j].index)
		case bi.ExpiresAt == nil:
			return false
		case bj.ExpiresAt == nil:
			return true
		case bi.ExpiresAt.Equal(*bj.ExpiresAt):
			return drainTieBreak(bi, bj, active[i].index, active[j].index)
		default:
			return bi.ExpiresAt.Before(*bj.ExpiresAt)
		}
	})

	headroom := b.BonusHeadroom()
	outstanding := amount
	draws := make([]Draw, 0, len(active))
	for _, c := range active {
		if outstanding == 0 {
			break
		}
		drawable := c.bucket.Remaining()
		if c.bucket.Source.Bonus() {
			if drawable > headroom {
				drawable = headroom
			}
		}
		if drawable <= 0 {
			continue
		}
		if drawable > outstanding {
			drawable = outstanding
		}
		draws = append(draws, Draw{BucketID: c.bucket.ID, Source: c.bucket.Source, Seconds: drawable})
		if c.bucket.Source.Bonus() {
			headroom -= drawable
		}
		outstanding -= drawable
	}
	if outstanding > 0 {
		return nil, ErrInsufficientBalance
	}
	return draws, nil
}

func drainTieBreak(bi, bj Bucket, idxI, idxJ int) bool {
	if !bi.CreatedAt.Equal(bj.CreatedAt) {
		return bi.CreatedAt.Before(bj.CreatedAt)
	}
	return idxI < idxJ
}

// ApplyDraws mutates the bucket set according to a plan produced by
// PlanDrain and advances the monthly bonus counter. The caller must run
// Validate and Recompute afterwards before committing.
func (b *Balance) ApplyDraws(draws []Draw) error {
	byID := make(map[string]int, len(b.Buckets))
	for i, bucket := range b.Buckets {
		byID[bucket.ID] = i
	}
	for _, draw := range draws {
		idx, ok := byID[draw.BucketID]
		if !ok {
			return ErrInvalidBucketID
		}
		updated, drawn, err := b.Buckets[idx].ApplyDebit(draw.Seconds)
		if err != nil {
			return err
		}
		if drawn != draw.Seconds {
			return ErrConsumedOutOfRange
		}
		b.Buckets[idx] = updated
		if draw.Source.Bonus() {
			b.BonusUsedThisMonth += drawn
		}
	}
	if b.BonusUsedThisMonth > b.BonusMonthlyCap {
		return ErrBonusCapExceeded
	}
	return nil
}

// AddBucket appends a new grant to the balance.
func (b *Balance) AddBucket(bucket Bucket) error {
	if err := bucket.Validate(); err != nil {
		return err
	}
	for _, existing := range b.Buckets {
		if existing.ID == bucket.ID {
			return ErrDuplicateBucketID
		}
	}
	b.Buckets = append(b.Buckets, bucket)
	return nil
}

// Clone deep-copies the balance; used for before/after snapshots.
func (b *Balance) Clone() Balance {
	clone := *b
	clone.Buckets = make(BucketList, len(b.Buckets))
	copy(clone.Buckets, b.Buckets)
	if b.NextExpiryAt != nil {
		expiry := *b.NextExpiryAt
		clone.NextExpiryAt = &expiry
	}
	return clone
}
