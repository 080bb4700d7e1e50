package domain

import "errors"

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidBucketID     = errors.New("invalid_bucket_id")
	ErrDuplicateBucketID   = errors.New("duplicate_bucket_id")
	ErrInvalidSource       = errors.New("invalid_bucket_source")
	ErrNegativeSeconds     = errors.New("negative_bucket_seconds")
	ErrConsumedOutOfRange  = errors.New("bucket_consumed_out_of_range")
	ErrNegativeAmount      = errors.New("negative_amount")
	ErrStaleTotals         = errors.New("stale_cached_totals")
	ErrBonusCapExceeded    = errors.New("bonus_monthly_cap_exceeded")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)
