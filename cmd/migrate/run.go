package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/flagx"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/config"
	"github.com/dmitrijs2005/gophtrust/internal/server/credentials"
	"github.com/dmitrijs2005/gophtrust/internal/server/dbpool"
	"github.com/dmitrijs2005/gophtrust/internal/server/migration"
	"github.com/dmitrijs2005/gophtrust/internal/server/reports"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophtrust/internal/server/telemetry"
	"golang.org/x/term"
)

// Operations accepted by -op, comma separated, executed in order.
const (
	opVerifySchema = "verify-schema"
	opBaseline     = "baseline"
	opProvision    = "provision"
	opSample       = "sample"
	opMetrics      = "metrics"
)

var knownOps = []string{opVerifySchema, opBaseline, opProvision, opSample, opMetrics}

type options struct {
	ops       []string
	batchSize int
	dryRun    bool
	sample    int
	askToken  bool
}

// parseOptions reads the migration flags:
//
//	-op string    operations, e.g. "verify-schema,provision,metrics"
//	-batch int    users per page
//	-dry-run      enumerate without provisioning
//	-sample int   sample size for verification
//	-ask-token    prompt for the IdP admin token on the terminal
func parseOptions(args []string) (options, error) {
	args = flagx.FilterArgsWithBools(args, []string{"-op", "-batch", "-sample"}, []string{"-dry-run", "-ask-token"})

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	op := fs.String("op", opVerifySchema, "operations to run")
	batch := fs.Int("batch", 0, "users per page, 0 uses the configured size")
	dryRun := fs.Bool("dry-run", false, "enumerate without provisioning")
	sample := fs.Int("sample", migration.MinSampleSize, "sample size")
	askToken := fs.Bool("ask-token", false, "prompt for the IdP admin token")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var ops []string
	for _, o := range strings.Split(*op, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if !isKnownOp(o) {
			return options{}, fmt.Errorf("unknown operation %q (want one of %s)", o, strings.Join(knownOps, ", "))
		}
		ops = append(ops, o)
	}
	if len(ops) == 0 {
		return options{}, fmt.Errorf("no operation given")
	}

	return options{ops: ops, batchSize: *batch, dryRun: *dryRun, sample: *sample, askToken: *askToken}, nil
}

func isKnownOp(op string) bool {
	for _, k := range knownOps {
		if k == op {
			return true
		}
	}
	return false
}

// promptToken reads a secret from the terminal at fd without echo.
func promptToken(fd int, prompt io.Writer) (string, error) {
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("-ask-token needs an interactive terminal")
	}
	fmt.Fprint(prompt, "IdP admin token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// operations is satisfied by *migration.Orchestrator.
type operations interface {
	VerifySchema(ctx context.Context) (bool, []string)
	CaptureBaseline(ctx context.Context) (telemetry.Baseline, error)
	BulkProvision(ctx context.Context, batchSize int, dryRun bool) (migration.BatchResult, error)
	VerifySample(ctx context.Context, sampleSize int) (migration.SampleResult, error)
	CurrentMetrics(ctx context.Context) (migration.Metrics, error)
}

type schemaReport struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
}

type opOutput struct {
	Op     string `json:"op"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// execute runs every requested operation and writes one JSON line each.
// The first failing operation stops the sequence.
func execute(ctx context.Context, o operations, opts options, out io.Writer) error {
	enc := json.NewEncoder(out)
	for _, op := range opts.ops {
		var (
			result any
			err    error
		)
		switch op {
		case opVerifySchema:
			ok, missing := o.VerifySchema(ctx)
			result = schemaReport{OK: ok, Missing: missing}
			if !ok {
				err = fmt.Errorf("schema incomplete: missing %s", strings.Join(missing, ", "))
			}
		case opBaseline:
			result, err = o.CaptureBaseline(ctx)
		case opProvision:
			result, err = o.BulkProvision(ctx, opts.batchSize, opts.dryRun)
		case opSample:
			result, err = o.VerifySample(ctx, opts.sample)
		case opMetrics:
			result, err = o.CurrentMetrics(ctx)
		}

		line := opOutput{Op: op, Result: result}
		if err != nil {
			line.Error = err.Error()
		}
		if encErr := enc.Encode(line); encErr != nil {
			return encErr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// keyRecorder remembers the object keys written by the wrapped sink.
type keyRecorder struct {
	migration.ReportSink
	mu   sync.Mutex
	keys []string
}

func (k *keyRecorder) Archive(ctx context.Context, kind string, report any) (string, error) {
	key, err := k.ReportSink.Archive(ctx, kind, report)
	if err == nil {
		k.mu.Lock()
		k.keys = append(k.keys, key)
		k.mu.Unlock()
	}
	return key, err
}

func run(ctx context.Context, cfg *config.Config, opts options, logger logging.Logger, out io.Writer) error {
	creds := credentials.NewStore(cfg.DatabaseSecretPath, logger)
	if _, err := creds.GetCurrent(ctx); err != nil {
		return err
	}

	pool, err := dbpool.New(ctx, cfg.DatabaseDSN, creds)
	if err != nil {
		return err
	}
	defer pool.Close()
	db := dbpool.OpenDB(pool, creds)
	defer db.Close()

	rm := repomanager.NewPostgresRepositoryManager()
	users := rm.Users(db)
	recorder := telemetry.NewRecorder(telemetry.DefaultWindow)

	orchOpts := []migration.Option{
		migration.WithLogger(logger),
		migration.WithSchemaDB(db),
		migration.WithRecorder(recorder),
		migration.WithBaselineSource(recorder),
		migration.WithRateLimit(cfg.ProvisionRatePerSecond),
	}

	var provisioner migration.Provisioner
	if cfg.ExternalIdPAdminToken != "" {
		kc := migration.NewKeycloakProvisioner(cfg.ExternalIdPBaseURL, cfg.ExternalIdPRealm,
			cfg.ExternalIdPAdminToken, users, &http.Client{Timeout: 30 * time.Second})
		provisioner = kc
		orchOpts = append(orchOpts, migration.WithVerifier(kc))
	}

	var (
		archive *reports.S3Archive
		sink    *keyRecorder
	)
	if cfg.S3Bucket != "" {
		archive = reports.NewS3Archive(reports.Settings{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3RootUser,
			SecretKey:    cfg.S3RootPassword,
			BaseEndpoint: cfg.S3BaseEndpoint,
		})
		sink = &keyRecorder{ReportSink: archive}
		orchOpts = append(orchOpts, migration.WithReportSink(sink))
	}

	if opts.batchSize <= 0 {
		opts.batchSize = cfg.MigrationBatchSize
	}

	orch := migration.New(users, provisioner, orchOpts...)
	runErr := execute(ctx, orch, opts, out)

	if sink != nil {
		for _, key := range sink.keys {
			url, err := archive.PresignedURL(ctx, key)
			if err != nil {
				logger.Warn(ctx, "presigning report failed", "key", key, "error", err)
				continue
			}
			fmt.Fprintf(out, "report: %s\n", url)
		}
	}
	return runErr
}
