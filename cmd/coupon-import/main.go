// Command coupon-import bulk-loads merchant coupons from a gzipped CSV file
// with rows of "user_id,code,percent[,expires_at]".
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/repository"
)

func main() {
	var (
		file        string
		databaseURL string
		opts        Options
	)

	flag.StringVar(&file, "file", "coupons.csv.gz", "gzipped CSV file to import")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.Workers, "workers", 4, "concurrent database writers")
	flag.UintVar(&opts.ExpectedUsers, "expected-users", 1_000_000, "expected distinct users, sizes the duplicate filter")
	flag.Float64Var(&opts.FalsePositive, "false-positive", 0.001, "duplicate filter false positive rate")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "parse and deduplicate without writing")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !opts.DryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, file, databaseURL, opts); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, file, databaseURL string, opts Options) error {
	if _, err := os.Stat(file); err != nil {
		return errors.Wrapf(err, "check file %s", file)
	}

	var store *repository.CouponRepository
	if !opts.DryRun {
		pool, err := repository.NewPool(ctx, databaseURL, int32(opts.Workers)+1)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		if err := repository.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		store = repository.NewCouponRepository(pool)
	}

	start := time.Now()
	lg.Info("Importing coupons", zap.String("file", file), zap.Bool("dry_run", opts.DryRun))

	stats, err := NewImporter(store, lg, opts).Import(ctx, file)
	lg.Info("Import finished",
		zap.Int64("rows", stats.Rows),
		zap.Int64("written", stats.Written),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("expired", stats.Expired),
		zap.Int64("invalid", stats.Invalid),
		zap.Duration("took", time.Since(start)),
	)
	return err
}
