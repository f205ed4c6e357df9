package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    *coupon.Coupon
		wantErr error
		invalid bool
	}{
		{
			name: "minimal",
			line: "u1,save10,10",
			want: &coupon.Coupon{UserID: "u1", Code: "SAVE10", DiscountPercent: 10, Active: true, CreatedAt: now},
		},
		{
			name: "with expiry and spaces",
			line: " u2 , Spring , 25 , 2026-04-01T00:00:00Z ",
			want: &coupon.Coupon{
				UserID: "u2", Code: "SPRING", DiscountPercent: 25, Active: true,
				ExpiresAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), CreatedAt: now,
			},
		},
		{
			name: "empty expiry",
			line: "u3,X1,100,",
			want: &coupon.Coupon{UserID: "u3", Code: "X1", DiscountPercent: 100, Active: true, CreatedAt: now},
		},
		{name: "blank", line: "   ", wantErr: errSkip},
		{name: "header", line: "user_id,code,percent,expires_at", wantErr: errSkip},
		{name: "comment", line: "# merchant batch 7", wantErr: errSkip},
		{name: "expired", line: "u1,OLD,10,2026-02-01T00:00:00Z", wantErr: errExpired},
		{name: "too few fields", line: "u1,CODE", invalid: true},
		{name: "too many fields", line: "u1,CODE,10,2026-04-01T00:00:00Z,x", invalid: true},
		{name: "empty user", line: ",CODE,10", invalid: true},
		{name: "empty code", line: "u1,,10", invalid: true},
		{name: "percent zero", line: "u1,CODE,0", invalid: true},
		{name: "percent over", line: "u1,CODE,101", invalid: true},
		{name: "percent text", line: "u1,CODE,ten", invalid: true},
		{name: "bad expiry", line: "u1,CODE,10,tomorrow", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecord(tt.line, now)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.invalid:
				require.Error(t, err)
				assert.NotErrorIs(t, err, errSkip)
				assert.NotErrorIs(t, err, errExpired)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

type memStore struct {
	mu      sync.Mutex
	coupons map[string][]coupon.Coupon
	locks   int
	failOn  string
}

type memTx struct{ s *memStore }

func (tx memTx) LockUser(context.Context, string) error {
	tx.s.locks++
	return nil
}

func (tx memTx) DeleteForUser(_ context.Context, userID string) error {
	delete(tx.s.coupons, userID)
	return nil
}

func (tx memTx) Insert(_ context.Context, c *coupon.Coupon) error {
	if c.UserID == tx.s.failOn {
		return errors.New("insert failed")
	}
	tx.s.coupons[c.UserID] = append(tx.s.coupons[c.UserID], *c)
	return nil
}

func (s *memStore) ExecTx(_ context.Context, fn func(coupon.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memTx{s: s})
}

func writeGz(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coupons.csv.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func newTestImporter(t *testing.T, store coupon.Store, opts Options) *Importer {
	im := NewImporter(store, zaptest.NewLogger(t), opts)
	im.now = func() time.Time { return now }
	return im
}

func TestImporter_Import(t *testing.T) {
	path := writeGz(t,
		"user_id,code,percent,expires_at",
		"u1,FIRST,10",
		"u2,TWO,20,2026-12-31T00:00:00Z",
		"u1,SECOND,50",
		"u3,OLD,30,2026-01-01T00:00:00Z",
		"u3,FRESH,30",
		"u4,BAD,0",
		"",
		"u2,AGAIN,15",
		"u1,THIRD,5",
	)
	store := &memStore{coupons: map[string][]coupon.Coupon{
		"u1": {{UserID: "u1", Code: "GIFTOLD", DiscountPercent: 10, Active: true}},
	}}

	stats, err := newTestImporter(t, store, Options{Workers: 3}).Import(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, Stats{Rows: 8, Invalid: 1, Expired: 1, Duplicates: 3, Written: 3}, stats)
	require.Len(t, store.coupons, 3)
	for user, code := range map[string]string{"u1": "FIRST", "u2": "TWO", "u3": "FRESH"} {
		require.Len(t, store.coupons[user], 1, user)
		assert.Equal(t, code, store.coupons[user][0].Code, user)
		assert.True(t, store.coupons[user][0].Active)
	}
	assert.Equal(t, 3, store.locks)
}

func TestImporter_DryRun(t *testing.T) {
	path := writeGz(t, "u1,A,10", "u2,B,10", "u1,C,10")

	stats, err := newTestImporter(t, nil, Options{DryRun: true}).Import(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Stats{Rows: 3, Duplicates: 1, Written: 2}, stats)
}

func TestImporter_WriteFailure(t *testing.T) {
	path := writeGz(t, "u1,A,10", "u2,B,10", "u3,C,10")
	store := &memStore{coupons: map[string][]coupon.Coupon{}, failOn: "u2"}

	_, err := newTestImporter(t, store, Options{Workers: 1}).Import(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import coupon B for user u2")
}

func TestImporter_MissingFile(t *testing.T) {
	_, err := newTestImporter(t, nil, Options{}).Import(context.Background(), filepath.Join(t.TempDir(), "nope.gz"))
	require.Error(t, err)
}

func TestImporter_Canceled(t *testing.T) {
	path := writeGz(t, "u1,A,10")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestImporter(t, &memStore{coupons: map[string][]coupon.Coupon{}}, Options{}).Import(ctx, path)
	require.ErrorIs(t, err, context.Canceled)
}
