package main

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const progressEvery = 1_000_000

// Options tunes an import run.
type Options struct {
	Workers int
	// ExpectedUsers sizes the duplicate filter.
	ExpectedUsers uint
	FalsePositive float64
	// DryRun parses and deduplicates without writing.
	DryRun bool
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ExpectedUsers == 0 {
		o.ExpectedUsers = 1_000_000
	}
	if o.FalsePositive <= 0 || o.FalsePositive >= 1 {
		o.FalsePositive = 0.001
	}
}

// Stats counts rows by outcome.
type Stats struct {
	Rows       int64
	Invalid    int64
	Expired    int64
	Duplicates int64
	Written    int64
}

// Importer loads merchant coupons from a gzipped CSV file. Each row replaces
// every coupon the user holds, so a user keeps exactly one active coupon.
// The first valid row for a user wins; later rows for the same user are
// dropped.
type Importer struct {
	store coupon.Store
	lg    *zap.Logger
	opts  Options
	now   func() time.Time
}

// NewImporter creates an Importer writing through store.
func NewImporter(store coupon.Store, lg *zap.Logger, opts Options) *Importer {
	opts.setDefaults()
	return &Importer{store: store, lg: lg, opts: opts, now: time.Now}
}

// Import runs two passes over path. The first pass finds users that may
// occur more than once using a bloom filter; the second pass resolves those
// exactly and streams the surviving rows to the writers.
func (im *Importer) Import(ctx context.Context, path string) (Stats, error) {
	now := im.now().UTC()

	suspects, err := im.findRepeatedUsers(ctx, path, now)
	if err != nil {
		return Stats{}, errors.Wrap(err, "pass 1")
	}
	im.lg.Info("Pass 1 complete", zap.Int("repeated_users", len(suspects)))

	// Only the producer touches stats until Wait returns.
	var (
		stats   Stats
		written atomic.Int64
	)
	rows := make(chan *coupon.Coupon, im.opts.Workers*64)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rows)
		claimed := make(map[string]struct{}, len(suspects))

		return streamGzFile(gctx, path, func(line string) error {
			c, err := parseRecord(line, now)
			if errors.Is(err, errSkip) {
				return nil
			}
			stats.Rows++
			if stats.Rows%progressEvery == 0 {
				im.lg.Info("Pass 2 progress", zap.Int64("rows", stats.Rows))
			}
			switch {
			case errors.Is(err, errExpired):
				stats.Expired++
				return nil
			case err != nil:
				stats.Invalid++
				im.lg.Debug("Invalid row", zap.Int64("row", stats.Rows), zap.Error(err))
				return nil
			}

			if _, ok := suspects[c.UserID]; ok {
				if _, dup := claimed[c.UserID]; dup {
					stats.Duplicates++
					return nil
				}
				claimed[c.UserID] = struct{}{}
			}

			select {
			case rows <- c:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	for range im.opts.Workers {
		g.Go(func() error {
			for c := range rows {
				if err := im.write(gctx, c); err != nil {
					return err
				}
				written.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	stats.Written = written.Load()
	return stats, err
}

func (im *Importer) findRepeatedUsers(ctx context.Context, path string, now time.Time) (map[string]struct{}, error) {
	filter := bloom.NewWithEstimates(im.opts.ExpectedUsers, im.opts.FalsePositive)
	suspects := make(map[string]struct{})

	if err := streamGzFile(ctx, path, func(line string) error {
		c, err := parseRecord(line, now)
		if err != nil {
			return nil
		}
		if filter.TestAndAddString(c.UserID) {
			suspects[c.UserID] = struct{}{}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return suspects, nil
}

func (im *Importer) write(ctx context.Context, c *coupon.Coupon) error {
	if im.opts.DryRun {
		return nil
	}
	if err := im.store.ExecTx(ctx, func(q coupon.Querier) error {
		if err := q.LockUser(ctx, c.UserID); err != nil {
			return errors.Wrap(err, "lock user")
		}
		if err := q.DeleteForUser(ctx, c.UserID); err != nil {
			return errors.Wrap(err, "delete previous coupons")
		}
		return q.Insert(ctx, c)
	}); err != nil {
		return errors.Wrapf(err, "import coupon %s for user %s", c.Code, c.UserID)
	}
	return nil
}

var (
	// errSkip marks blank lines and the header row.
	errSkip    = errors.New("skip")
	errExpired = errors.New("coupon expired")
)

// parseRecord parses "user_id,code,percent[,expires_at]". Codes are stored
// upper-case; expires_at is RFC 3339.
func parseRecord(line string, now time.Time) (*coupon.Coupon, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "user_id,") {
		return nil, errSkip
	}

	fields := strings.Split(line, ",")
	if len(fields) < 3 || len(fields) > 4 {
		return nil, errors.Errorf("expected 3 or 4 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	c := &coupon.Coupon{
		UserID:    fields[0],
		Code:      strings.ToUpper(fields[1]),
		Active:    true,
		CreatedAt: now,
	}
	if c.UserID == "" {
		return nil, errors.New("empty user id")
	}
	if c.Code == "" {
		return nil, errors.New("empty code")
	}

	percent, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, errors.Wrap(err, "parse percent")
	}
	if !coupon.ValidPercent(percent) {
		return nil, errors.Errorf("percent %d out of range 1..100", percent)
	}
	c.DiscountPercent = percent

	if len(fields) == 4 && fields[3] != "" {
		expires, err := time.Parse(time.RFC3339, fields[3])
		if err != nil {
			return nil, errors.Wrap(err, "parse expires_at")
		}
		c.ExpiresAt = expires.UTC()
		if c.Expired(now) {
			return nil, errExpired
		}
	}
	return c, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
