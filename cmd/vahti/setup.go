package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/emitter"
	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/filter"
	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/internal/store/postgres"
)

// scanFlags override the [store], [scan], [scope] and [policies] sections.
type scanFlags struct {
	backend      string
	storePath    string
	dsn          string
	policies     []string
	include      []string
	exclude      []string
	excludeTypes []string
	minSeverity  string
	concurrency  int
	deadline     string
	ruleTimeout  string
	accounts     []string
	regions      []string
	resourceIDs  []string
}

func (f *scanFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.backend, "backend", "", "Asset store backend (bolt, postgres)")
	fs.StringVar(&f.storePath, "store", "", "Snapshot store directory (bolt backend)")
	fs.StringVar(&f.dsn, "dsn", "", "PostgreSQL connection string (postgres backend)")
	fs.StringSliceVarP(&f.policies, "policies", "p", nil, "Policy bundle files or directories")
	fs.StringSliceVar(&f.include, "include", nil, "Only evaluate these policies or policy/rule IDs")
	fs.StringSliceVar(&f.exclude, "exclude", nil, "Skip these policies or policy/rule IDs")
	fs.StringSliceVar(&f.excludeTypes, "exclude-type", nil, "Skip rules referencing these asset tables")
	fs.StringVar(&f.minSeverity, "min-severity", "", "Skip rules below this severity (high, medium, low)")
	fs.IntVar(&f.concurrency, "concurrency", 0, "Parallel rule evaluations (0 = derived from the store)")
	fs.StringVar(&f.deadline, "deadline", "", "Scan deadline, e.g. 10m")
	fs.StringVar(&f.ruleTimeout, "rule-timeout", "", "Per rule timeout, e.g. 30s")
	fs.StringSliceVar(&f.accounts, "account", nil, "Limit the scan to these accounts")
	fs.StringSliceVar(&f.regions, "region", nil, "Limit the scan to these regions")
	fs.StringSliceVar(&f.resourceIDs, "resource-id", nil, "Limit the scan to these resource IDs")
}

// apply copies every flag the user set onto cfg and validates the result.
func (f *scanFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("backend", func() { cfg.Store.Backend = f.backend })
	set("store", func() { cfg.Store.Path = f.storePath })
	set("dsn", func() { cfg.Store.DSN = f.dsn })
	set("policies", func() { cfg.Policies.Paths = f.policies })
	set("include", func() { cfg.Policies.Include = f.include })
	set("exclude", func() { cfg.Policies.Exclude = f.exclude })
	set("exclude-type", func() { cfg.Policies.ExcludeTypes = f.excludeTypes })
	set("min-severity", func() { cfg.Policies.MinSeverity = f.minSeverity })
	set("concurrency", func() { cfg.Scan.Concurrency = f.concurrency })
	set("account", func() { cfg.Scope.Accounts = f.accounts })
	set("region", func() { cfg.Scope.Regions = f.regions })
	set("resource-id", func() { cfg.Scope.ResourceIDs = f.resourceIDs })

	var err error
	if fs.Changed("deadline") {
		if cfg.Scan.Deadline, err = parseDuration("deadline", f.deadline); err != nil {
			return err
		}
	}
	if fs.Changed("rule-timeout") {
		if cfg.Scan.RuleTimeout, err = parseDuration("rule-timeout", f.ruleTimeout); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func scopeFromConfig(cfg config.ScopeConfig) store.Scope {
	return store.Scope{
		Accounts:       cfg.Accounts,
		Regions:        cfg.Regions,
		ResourceIDs:    cfg.ResourceIDs,
		SubnetID:       cfg.SubnetID,
		SecurityGroups: cfg.SecurityGroups,
	}
}

func selectorFromConfig(cfg config.PoliciesConfig) (*filter.Filter, error) {
	var minSeverity policy.Severity
	if cfg.MinSeverity != "" {
		var err error
		if minSeverity, err = policy.ParseSeverity(cfg.MinSeverity); err != nil {
			return nil, fmt.Errorf("min severity: %w", err)
		}
	}
	return filter.New(cfg.Include, cfg.Exclude, cfg.ExcludeTypes, minSeverity), nil
}

// loadCatalog loads the bundles and applies the configured selection.
func loadCatalog(ctx context.Context, cfg config.PoliciesConfig) (*policy.Catalog, error) {
	sel, err := selectorFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := policy.LoadFiles(ctx, cfg.Paths...)
	if err != nil {
		return nil, err
	}
	if sel.IsEmpty() {
		return catalog, nil
	}
	return catalog.Select(sel), nil
}

func engineOptions(cfg config.ScanConfig, metrics *engine.Metrics) engine.Options {
	return engine.Options{
		Concurrency:      cfg.Concurrency,
		Deadline:         cfg.Deadline,
		RuleTimeout:      cfg.RuleTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		QueriesPerSecond: cfg.QueriesPerSecond,
		Metrics:          metrics,
	}
}

// openGateway opens the configured asset store. The returned close function
// is never nil.
func openGateway(ctx context.Context, cfg config.StoreConfig) (store.Gateway, func() error, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		gw, err := postgres.New(ctx, cfg.DSN, postgres.Options{MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Close, nil
	default:
		s, err := store.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

// buildEmitters assembles the report sinks. out receives the JSON report
// when reportPath is "-".
func buildEmitters(ctx context.Context, cfg config.ReportConfig, reportPath string, out io.Writer, withMetrics bool) (*emitter.MultiEmitter, error) {
	var emitters []emitter.Emitter

	switch reportPath {
	case "":
	case "-":
		emitters = append(emitters, emitter.NewJSONEmitter(out))
	default:
		emitters = append(emitters, emitter.NewJSONFileEmitter(reportPath))
	}

	if cfg.S3Bucket != "" {
		s3e, err := emitter.NewS3Emitter(ctx, emitter.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, s3e)
	}

	if withMetrics {
		prom, err := emitter.NewPrometheusEmitter()
		if err != nil {
			return nil, fmt.Errorf("create metrics emitter: %w", err)
		}
		emitters = append(emitters, prom)
	}

	return emitter.NewMultiEmitter(emitters...), nil
}

func parseDuration(flag, raw string) (d time.Duration, err error) {
	d, err = time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", flag, err)
	}
	return d, nil
}
