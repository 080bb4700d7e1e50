package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

func TestBucketSourceValid(t *testing.T) {
	for _, source := range []BucketSource{SourceDaily, SourceSubscription, SourceRollover, SourcePackage, SourceWelcome, SourceGift} {
		assert.True(t, source.Valid(), string(source))
	}
	assert.False(t, BucketSource("").Valid())
	assert.False(t, BucketSource("trial").Valid())
}

func TestBucketSourceBonus(t *testing.T) {
	assert.True(t, SourceDaily.Bonus())
	for _, source := range []BucketSource{SourceSubscription, SourceRollover, SourcePackage, SourceWelcome, SourceGift} {
		assert.False(t, source.Bonus(), string(source))
	}
}

func TestBucketRemaining(t *testing.T) {
	b := Bucket{ID: "b1", Source: SourcePackage, Seconds: 500, Consumed: 120}
	assert.Equal(t, int64(380), b.Remaining())
}

func TestBucketActiveAt(t *testing.T) {
	tests := []struct {
		name   string
		bucket Bucket
		want   bool
	}{
		{"no expiry with remaining", Bucket{ID: "b", Source: SourcePackage, Seconds: 10}, true},
		{"fully consumed", Bucket{ID: "b", Source: SourcePackage, Seconds: 10, Consumed: 10}, false},
		{"future expiry", Bucket{ID: "b", Source: SourceDaily, Seconds: 10, ExpiresAt: ptrTime(testNow.Add(time.Hour))}, true},
		{"past expiry with remaining", Bucket{ID: "b", Source: SourceDaily, Seconds: 10, ExpiresAt: ptrTime(testNow.Add(-time.Hour))}, false},
		{"expires exactly now", Bucket{ID: "b", Source: SourceDaily, Seconds: 10, ExpiresAt: ptrTime(testNow)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.bucket.ActiveAt(testNow))
		})
	}
}

func TestBucketApplyDebit(t *testing.T) {
	b := Bucket{ID: "b1", Source: SourcePackage, Seconds: 100, Consumed: 40}

	updated, drawn, err := b.ApplyDebit(30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), drawn)
	assert.Equal(t, int64(70), updated.Consumed)
	// original untouched
	assert.Equal(t, int64(40), b.Consumed)

	updated, drawn, err = b.ApplyDebit(500)
	require.NoError(t, err)
	assert.Equal(t, int64(60), drawn)
	assert.Equal(t, int64(100), updated.Consumed)

	_, _, err = b.ApplyDebit(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestBucketValidate(t *testing.T) {
	tests := []struct {
		name   string
		bucket Bucket
		want   error
	}{
		{"valid", Bucket{ID: "b1", Source: SourceGift, Seconds: 600}, nil},
		{"empty id", Bucket{ID: "  ", Source: SourceGift, Seconds: 600}, ErrInvalidBucketID},
		{"bad source", Bucket{ID: "b1", Source: "trial", Seconds: 600}, ErrInvalidSource},
		{"negative seconds", Bucket{ID: "b1", Source: SourceGift, Seconds: -1}, ErrNegativeSeconds},
		{"negative consumed", Bucket{ID: "b1", Source: SourceGift, Seconds: 10, Consumed: -1}, ErrConsumedOutOfRange},
		{"consumed above seconds", Bucket{ID: "b1", Source: SourceGift, Seconds: 10, Consumed: 11}, ErrConsumedOutOfRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.bucket.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestValidateBucketsRejectsDuplicates(t *testing.T) {
	buckets := []Bucket{
		{ID: "b1", Source: SourcePackage, Seconds: 10},
		{ID: "b1", Source: SourceGift, Seconds: 20},
	}
	assert.ErrorIs(t, ValidateBuckets(buckets), ErrDuplicateBucketID)
	assert.NoError(t, ValidateBuckets(buckets[:1]))
}
