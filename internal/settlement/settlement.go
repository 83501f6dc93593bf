// Package settlement replays gateway settlement exports against local
// orders, catching outcomes whose webhooks were never delivered.
//
// Exports are gzip-compressed CSV files with one "transaction_id,status"
// record per line. Transactions already reconciled are recognized with a
// bloom filter built from the processed-event log, so only filter hits cost
// a database round trip.
package settlement

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

const progressEvery = 100_000

// Record is one settled transaction.
type Record struct {
	TransactionID string
	Status        payment.TransactionStatus
}

// ClaimIndex is the processed-event log, implemented by
// *postgres.GuardRepository.
type ClaimIndex interface {
	ForEachClaimed(ctx context.Context, fn func(key string)) error
	Claimed(ctx context.Context, key string) (bool, error)
}

// Reconciler is implemented by *checkout.Service.
type Reconciler interface {
	Reconcile(ctx context.Context, transactionID string, reported payment.TransactionStatus) (*checkout.ReconcileResult, error)
}

// Config tunes a sync run.
type Config struct {
	// Workers bounds the files processed concurrently.
	Workers int
	// BloomCapacity is the expected number of processed transactions.
	BloomCapacity uint
	// BloomFPR is the false positive rate of the processed filter.
	BloomFPR float64
}

// Stats summarizes a sync run.
type Stats struct {
	Records   int64
	Skipped   int64
	Applied   int64
	Unchanged int64
	Unmatched int64
	Failed    int64
}

type counters struct {
	records, skipped, applied, unchanged, unmatched, failed atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		Records:   c.records.Load(),
		Skipped:   c.skipped.Load(),
		Applied:   c.applied.Load(),
		Unchanged: c.unchanged.Load(),
		Unmatched: c.unmatched.Load(),
		Failed:    c.failed.Load(),
	}
}

// Syncer reconciles settlement exports.
type Syncer struct {
	claims ClaimIndex
	rec    Reconciler
	cfg    Config
}

// NewSyncer creates a Syncer.
func NewSyncer(claims ClaimIndex, rec Reconciler, cfg Config) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = 1_000_000
	}
	if cfg.BloomFPR <= 0 || cfg.BloomFPR >= 1 {
		cfg.BloomFPR = 0.001
	}
	return &Syncer{claims: claims, rec: rec, cfg: cfg}
}

// Run processes files concurrently. Per-record reconcile failures are
// counted and logged; only I/O and context errors abort the run.
func (s *Syncer) Run(ctx context.Context, files []string) (Stats, error) {
	lg := zctx.From(ctx)

	filter, err := s.buildFilter(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(err, "build processed filter")
	}

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, path := range files {
		g.Go(func() error {
			err := Stream(gctx, path, func(r Record) error {
				return s.process(gctx, filter, r, &c)
			})
			if err != nil {
				return errors.Wrapf(err, "process %s", path)
			}
			lg.Info("Settlement file done", zap.String("path", path))
			return nil
		})
	}
	err = g.Wait()

	st := c.stats()
	lg.Info("Settlement sync finished",
		zap.Int64("records", st.Records),
		zap.Int64("skipped", st.Skipped),
		zap.Int64("applied", st.Applied),
		zap.Int64("unchanged", st.Unchanged),
		zap.Int64("unmatched", st.Unmatched),
		zap.Int64("failed", st.Failed),
	)
	return st, err
}

func (s *Syncer) buildFilter(ctx context.Context) (*bloom.BloomFilter, error) {
	filter := bloom.NewWithEstimates(s.cfg.BloomCapacity, s.cfg.BloomFPR)
	var n int
	if err := s.claims.ForEachClaimed(ctx, func(key string) {
		filter.AddString(key)
		n++
	}); err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Processed filter built", zap.Int("transactions", n))
	return filter, nil
}

func (s *Syncer) process(ctx context.Context, filter *bloom.BloomFilter, r Record, c *counters) error {
	if n := c.records.Add(1); n%progressEvery == 0 {
		zctx.From(ctx).Info("Settlement progress", zap.Int64("records", n))
	}
	if !r.Status.Terminal() {
		c.skipped.Add(1)
		return nil
	}
	if filter.TestString(r.TransactionID) {
		claimed, err := s.claims.Claimed(ctx, r.TransactionID)
		if err != nil {
			return errors.Wrap(err, "check processed")
		}
		if claimed {
			c.skipped.Add(1)
			return nil
		}
	}

	res, err := s.rec.Reconcile(ctx, r.TransactionID, r.Status)
	switch {
	case errors.Is(err, order.ErrNotFound):
		c.unmatched.Add(1)
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.failed.Add(1)
		zctx.From(ctx).Warn("Reconcile failed",
			zap.String("transaction_id", r.TransactionID),
			zap.Error(err),
		)
	case res.Applied:
		c.applied.Add(1)
	default:
		c.unchanged.Add(1)
	}
	return nil
}

// ParseLine parses one export line. Blank lines and the header yield
// ok=false.
func ParseLine(line string) (r Record, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "transaction_id,") {
		return Record{}, false, nil
	}
	id, status, found := strings.Cut(line, ",")
	id, status = strings.TrimSpace(id), strings.TrimSpace(status)
	if !found || id == "" || status == "" {
		return Record{}, false, errors.Errorf("malformed record %q", line)
	}
	return Record{TransactionID: id, Status: payment.TransactionStatus(status)}, true, nil
}

// Stream opens a gzip-compressed export and calls fn for each record.
func Stream(ctx context.Context, path string, fn func(Record) error) error {
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
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok, err := ParseLine(scanner.Text())
		if err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
		if !ok {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
