// Package migration moves the user population from the legacy identity
// store to the external IdP in sequential, rate-limited batches and checks
// the result by sampling.
package migration

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/dbx"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/models"
	"github.com/dmitrijs2005/gophtrust/internal/server/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize = 100
	MinSampleSize    = 10
)

// UserDirectory is the source of truth for users. users.Repository
// satisfies it.
type UserDirectory interface {
	ListPage(ctx context.Context, offset, limit int) ([]*models.User, error)
	Count(ctx context.Context) (int64, error)
	CountByProvider(ctx context.Context) (map[string]int64, error)
	SetIdentityProvider(ctx context.Context, userID, provider string) error
}

type ProvisionResult struct {
	Success bool
	Errors  []string
}

// Provisioner creates one user in the external IdP.
type Provisioner interface {
	ProvisionUser(ctx context.Context, userID string) (ProvisionResult, error)
}

// SampleVerifier confirms that a migrated user really exists in the IdP.
type SampleVerifier interface {
	VerifyUser(ctx context.Context, user *models.User) (bool, error)
}

type BaselineSource interface {
	Baseline(ctx context.Context) (telemetry.Baseline, error)
}

// ReportSink archives run results and returns where they were stored.
type ReportSink interface {
	Archive(ctx context.Context, kind string, report any) (string, error)
}

type UserError struct {
	UserID string   `json:"user_id"`
	Errors []string `json:"errors"`
}

type BatchResult struct {
	Scanned     int         `json:"scanned"`
	Provisioned int         `json:"provisioned"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	DryRun      bool        `json:"dry_run"`
	Errors      []UserError `json:"errors,omitempty"`
}

type SampleResult struct {
	Sampled    int      `json:"sampled"`
	Matched    int      `json:"matched"`
	Mismatched []string `json:"mismatched,omitempty"`
}

type Metrics struct {
	Attempted   int              `json:"attempted"`
	Succeeded   int              `json:"succeeded"`
	SuccessRate float64          `json:"success_rate"`
	Total       int64            `json:"total"`
	ByProvider  map[string]int64 `json:"by_provider"`
}

// Orchestrator runs strictly sequentially: one page at a time, one user at
// a time. Run several orchestrators over disjoint ranges to parallelize.
type Orchestrator struct {
	dir         UserDirectory
	provisioner Provisioner
	verifier    SampleVerifier
	baseline    BaselineSource
	sink        ReportSink
	schemaDB    dbx.DBTX
	recorder    *telemetry.Recorder
	limiter     *rate.Limiter
	logger      logging.Logger
	rnd         *rand.Rand

	mu        sync.Mutex
	attempted int
	succeeded int
}

type Option func(*Orchestrator)

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With("module", "migration") }
}

func WithVerifier(v SampleVerifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

func WithBaselineSource(b BaselineSource) Option {
	return func(o *Orchestrator) { o.baseline = b }
}

func WithReportSink(s ReportSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithSchemaDB sets the database probed by VerifySchema.
func WithSchemaDB(db dbx.DBTX) Option {
	return func(o *Orchestrator) { o.schemaDB = db }
}

// WithRecorder observes every provisioning call.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRateLimit caps provisioning calls per second. Zero or less disables
// pacing.
func WithRateLimit(perSecond float64) Option {
	return func(o *Orchestrator) {
		if perSecond <= 0 {
			o.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rnd = r }
}

// New builds an orchestrator. A nil provisioner is allowed: every
// BulkProvision run then degrades to a dry run.
func New(dir UserDirectory, provisioner Provisioner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:         dir,
		provisioner: provisioner,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		logger:      logging.NewDiscardLogger(),
		rnd:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CaptureBaseline returns the latency/success snapshot of the configured
// source.
func (o *Orchestrator) CaptureBaseline(ctx context.Context) (telemetry.Baseline, error) {
	if o.baseline == nil {
		return telemetry.Baseline{}, fmt.Errorf("no baseline source configured")
	}
	return o.baseline.Baseline(ctx)
}

// BulkProvision pages through all users and provisions every legacy one.
// Per-user failures are counted and collected; only an enumeration failure
// aborts the run. Cancellation stops before the next page fetch and keeps
// what was already done.
func (o *Orchestrator) BulkProvision(ctx context.Context, batchSize int, dryRun bool) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if o.provisioner == nil && !dryRun {
		o.logger.Warn(ctx, "no provisioner configured, forcing dry run")
		dryRun = true
	}

	ctx, span := telemetry.Tracer().Start(ctx, "migration.BulkProvision")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", batchSize), attribute.Bool("dry_run", dryRun))

	res := BatchResult{DryRun: dryRun}
	o.logger.Info(ctx, "bulk provisioning started", "batch_size", batchSize, "dry_run", dryRun)

	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			o.finish(ctx, "provision", res)
			return res, err
		}

		page, err := o.dir.ListPage(ctx, offset, batchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "enumeration failed")
			o.logger.Error(ctx, "user enumeration failed", "offset", offset, "error", err)
			o.finish(ctx, "provision", res)
			return res, fmt.Errorf("%w: offset %d: %w", common.ErrEnumeration, offset, err)
		}

		for _, u := range page {
			res.Scanned++
			if u.IdentityProvider == models.ProviderExternal {
				res.Skipped++
				continue
			}
			if dryRun {
				continue
			}
			if err := o.limiter.Wait(ctx); err != nil {
				o.finish(ctx, "provision", res)
				return res, err
			}

			ok, msgs := o.provisionOne(ctx, u)
			o.count(ok)
			if ok {
				res.Provisioned++
				continue
			}
			res.Failed++
			res.Errors = append(res.Errors, UserError{UserID: u.ID, Errors: msgs})
			o.logger.Warn(ctx, "user provisioning failed", "user_id", u.ID, "errors", msgs)
		}

		o.logger.Debug(ctx, "batch processed", "offset", offset, "size", len(page))
		if len(page) < batchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("provisioned", res.Provisioned), attribute.Int("failed", res.Failed))
	o.logger.Info(ctx, "bulk provisioning finished",
		"scanned", res.Scanned, "provisioned", res.Provisioned, "failed", res.Failed,
		"skipped", res.Skipped, "dry_run", res.DryRun)
	o.finish(ctx, "provision", res)
	return res, nil
}

func (o *Orchestrator) provisionOne(ctx context.Context, u *models.User) (ok bool, msgs []string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			ok, msgs = false, []string{fmt.Sprintf("panic: %v", r)}
		}
		if o.recorder != nil {
			var err error
			if !ok {
				err = common.ErrorInternal
			}
			o.recorder.Observe(time.Since(start), err)
		}
	}()

	res, err := o.provisioner.ProvisionUser(ctx, u.ID)
	if err != nil {
		return false, []string{err.Error()}
	}
	if !res.Success {
		if len(res.Errors) == 0 {
			return false, []string{"provisioner reported failure"}
		}
		return false, res.Errors
	}
	if err := o.dir.SetIdentityProvider(ctx, u.ID, models.ProviderExternal); err != nil {
		return false, []string{fmt.Sprintf("mark external: %v", err)}
	}
	return true, nil
}

func (o *Orchestrator) count(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempted++
	if ok {
		o.succeeded++
	}
}

// VerifySample checks max(sampleSize, MinSampleSize) users, capped by the
// population, picked at distinct random offsets. A user matches when the
// directory marks them external and, if a verifier is set, the IdP confirms
// them.
func (o *Orchestrator) VerifySample(ctx context.Context, sampleSize int) (SampleResult, error) {
	if sampleSize < MinSampleSize {
		sampleSize = MinSampleSize
	}

	total, err := o.dir.Count(ctx)
	if err != nil {
		return SampleResult{}, fmt.Errorf("%w: count: %w", common.ErrEnumeration, err)
	}
	n := int64(sampleSize)
	if n > total {
		n = total
	}

	var res SampleResult
	for _, off := range pickOffsets(o.rnd, total, n) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := o.dir.ListPage(ctx, int(off), 1)
		if err != nil {
			return res, fmt.Errorf("%w: offset %d: %w", common.ErrEnumeration, off, err)
		}
		if len(page) == 0 {
			// population shrank since Count
			continue
		}

		u := page[0]
		res.Sampled++
		if o.matches(ctx, u) {
			res.Matched++
		} else {
			res.Mismatched = append(res.Mismatched, u.ID)
		}
	}

	o.logger.Info(ctx, "sample verification finished", "sampled", res.Sampled, "matched", res.Matched)
	o.finish(ctx, "sample", res)
	return res, nil
}

func (o *Orchestrator) matches(ctx context.Context, u *models.User) bool {
	if u.IdentityProvider != models.ProviderExternal {
		return false
	}
	if o.verifier == nil {
		return true
	}
	ok, err := o.verifier.VerifyUser(ctx, u)
	if err != nil {
		o.logger.Warn(ctx, "sample verification failed", "user_id", u.ID, "error", err)
		return false
	}
	return ok
}

// pickOffsets returns n distinct offsets in [0, total) in ascending order
// (Floyd's algorithm, O(n) memory regardless of total).
func pickOffsets(rnd *rand.Rand, total, n int64) []int64 {
	if n <= 0 {
		return nil
	}
	chosen := make(map[int64]struct{}, n)
	for j := total - n; j < total; j++ {
		t := rnd.Int64N(j + 1)
		if _, dup := chosen[t]; dup {
			t = j
		}
		chosen[t] = struct{}{}
	}
	out := make([]int64, 0, n)
	for off := range chosen {
		out = append(out, off)
	}
	slices.Sort(out)
	return out
}

// CurrentMetrics combines the success rate of runs made by this
// orchestrator with live per-provider population counts.
func (o *Orchestrator) CurrentMetrics(ctx context.Context) (Metrics, error) {
	byProvider, err := o.dir.CountByProvider(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("count by provider: %w", err)
	}

	o.mu.Lock()
	m := Metrics{Attempted: o.attempted, Succeeded: o.succeeded, ByProvider: byProvider}
	o.mu.Unlock()

	for _, n := range byProvider {
		m.Total += n
	}
	if m.Attempted > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(m.Attempted)
	}
	return m, nil
}

func (o *Orchestrator) finish(ctx context.Context, kind string, report any) {
	if o.sink == nil {
		return
	}
	// archive even when the run was canceled
	ctx = context.WithoutCancel(ctx)
	key, err := o.sink.Archive(ctx, kind, report)
	if err != nil {
		o.logger.Warn(ctx, "archiving migration report failed", "kind", kind, "error", err)
		return
	}
	o.logger.Info(ctx, "migration report archived", "kind", kind, "key", key)
}
