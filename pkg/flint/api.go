// Package flint is the programmatic entry point behind the flint command.
package flint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"flint/internal/apperr"
	"flint/internal/archive"
	"flint/internal/blob"
	"flint/internal/config"
	"flint/internal/metrics"
	"flint/internal/model"
	"flint/internal/oracle"
	"flint/internal/proposer"
	"flint/internal/receptor"
	"flint/internal/report"
	"flint/internal/search"
	"flint/internal/storage"
	"flint/internal/structio"
)

const metricsNamespace = "flint"

type Options struct {
	// OutDir is the output root holding run directories, the run index and
	// the SQLite store.
	OutDir    string
	StoreKind string
	Logger    *zap.Logger
}

type Client struct {
	store  storage.Store
	outDir string
	log    *zap.Logger
}

// RunRequest describes one search. Oracle and Proposer replace the
// configured ones when set.
type RunRequest struct {
	Config     config.Run
	ConfigPath string
	Oracle     oracle.Oracle
	Proposer   proposer.Proposer
}

type RunSummary struct {
	RunID        string
	Dir          string
	Outcome      string
	Reason       string
	Iterations   int
	OracleCalls  int
	Failures     int
	ArchiveSize  int
	BestID       string
	BestAffinity *float64
	BestLineage  []string
	Partial      bool
	Published    *blob.Published
	PublishError string
}

type RunsRequest struct {
	Limit int
}

type TopRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type SummaryRequest struct {
	RunID  string
	Latest bool
}

type LineageRequest struct {
	RunID  string
	Latest bool
	// ID selects one structure by id or fingerprint; empty lists all.
	ID string
}

func New(opts Options) (*Client, error) {
	if opts.OutDir == "" {
		return nil, apperr.Input("flint", "output directory is required", nil)
	}
	if opts.StoreKind == "" {
		opts.StoreKind = "sqlite"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := storage.NewStore(opts.StoreKind, storage.PathIn(opts.OutDir))
	if err != nil {
		return nil, apperr.Input("flint", "open store", err)
	}
	return &Client{store: store, outDir: opts.OutDir, log: logger}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Init creates the output root and opens the store.
func (c *Client) Init(ctx context.Context) error {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return apperr.Input("flint", fmt.Sprintf("create output directory %s", c.outDir), err)
	}
	if err := c.store.Init(ctx); err != nil {
		return apperr.Unrecoverable("storage", "initialize store", err)
	}
	return nil
}

// Run reads the inputs, searches, and writes the run directory. A run that
// ends FAILED still writes its partial report and returns the loop error.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	cfg.Normalize()
	if cfg.Out == "" {
		cfg.Out = c.outDir
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	selector, err := search.SelectorByName(cfg.Loop.Selector)
	if err != nil {
		return RunSummary{}, apperr.Input("config", "loop.selector", err)
	}

	original, err := structio.ReadReceptor(cfg.Receptor)
	if err != nil {
		return RunSummary{}, err
	}
	ligand, err := structio.ReadLigand(cfg.Ligand)
	if err != nil {
		return RunSummary{}, err
	}

	runID := cfg.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	log := c.log.With(zap.String("run_id", runID))
	if cfg.Archive.Capacity > 0 {
		log.Warn("archive capacity set; lower-ranked mutants are dropped from the report", zap.Int("capacity", cfg.Archive.Capacity))
	}

	orc := req.Oracle
	if orc == nil {
		orc, err = c.commandOracle(cfg, ligand, log)
		if err != nil {
			return RunSummary{}, err
		}
		defer func() {
			if err := oracle.Close(orc); err != nil {
				log.Warn("oracle cleanup failed", zap.Error(err))
			}
		}()
	}
	prop := req.Proposer
	if prop == nil {
		prop, err = c.lookupProposer(cfg, original, ligand, log)
		if err != nil {
			return RunSummary{}, err
		}
	}

	collector := metrics.NewCollector(metricsNamespace)
	monitor, err := search.NewMonitor(search.Config{
		Oracle:         orc,
		Proposer:       prop,
		Archive:        archive.Options{Policy: archive.KeepPolicy(cfg.Archive.Keep), Capacity: cfg.Archive.Capacity},
		MaxIterations:  cfg.Loop.MaxIterations,
		Patience:       cfg.Loop.Patience,
		MinImprovement: cfg.Loop.MinImprovement,
		TargetAffinity: cfg.Loop.TargetAffinity,
		MaxOracleCalls: cfg.Loop.MaxOracleCalls,
		Timeout:        cfg.Loop.Timeout(),
		Workers:        cfg.Loop.Workers,
		ParentCount:    cfg.Loop.ParentCount,
		Selector:       selector,
		Logger:         log,
		Metrics:        collector,
		Seed:           cfg.Seed,
	})
	if err != nil {
		return RunSummary{}, apperr.Input("search", "invalid loop settings", err)
	}

	started := time.Now()
	res, runErr := monitor.Run(ctx, original)
	if res.Archive == nil {
		return RunSummary{}, runErr
	}

	meta := report.MetaFromResult(report.Meta{
		RunID:     runID,
		CreatedAt: started,
		Receptor:  cfg.Receptor,
		Ligand:    cfg.Ligand,
		Oracle:    orc.Name(),
		Proposer:  prop.Name(),
		Seed:      cfg.Seed,
	}, res)
	rep, err := report.Build(res.Archive, meta)
	if err != nil {
		return RunSummary{}, errors.Join(runErr, fmt.Errorf("build report: %w", err))
	}
	dir, err := report.WriteRun(c.outDir, rep, report.Extras{
		Config:     cfg,
		ConfigPath: req.ConfigPath,
		LigandPath: cfg.Ligand,
		Metrics:    collector,
	})
	if err != nil {
		return RunSummary{}, errors.Join(runErr, fmt.Errorf("write run %s: %w", runID, err))
	}
	log.Info("run written", zap.String("dir", dir))

	// Persist with a context that outlives an interrupt so the record of a
	// partial run still lands.
	persistCtx := context.WithoutCancel(ctx)
	rel := filepath.Base(dir)
	if err := c.store.SaveRun(persistCtx, rep.RunRecord(rel)); err != nil {
		return RunSummary{}, errors.Join(runErr, fmt.Errorf("save run record: %w", err))
	}
	if err := c.store.SaveEntries(persistCtx, runID, rep.EntryRecords()); err != nil {
		return RunSummary{}, errors.Join(runErr, fmt.Errorf("save entries: %w", err))
	}

	summary := summarize(rep, dir)
	if cfg.Publish.Driver != "" {
		published, err := c.publish(persistCtx, cfg.Publish, dir, runID)
		if err != nil {
			log.Error("publish failed; local run directory is intact", zap.Error(err))
			summary.PublishError = err.Error()
		} else {
			summary.Published = &published
			log.Info("run published", zap.String("driver", string(published.Driver)), zap.String("prefix", published.Prefix), zap.Int("files", published.Files))
		}
	}
	return summary, runErr
}

func (c *Client) commandOracle(cfg config.Run, ligand model.Ligand, log *zap.Logger) (oracle.Oracle, error) {
	cmd, err := oracle.NewCommand(oracle.CommandConfig{
		Args:            cfg.Oracle.Args,
		PrepareReceptor: cfg.Oracle.PrepareReceptor,
		PrepareLigand:   cfg.Oracle.PrepareLigand,
		Ligand:          ligand,
		BoxPadding:      cfg.Oracle.BoxPadding,
		MinBoxSize:      cfg.Oracle.MinBoxSize,
		ContactCutoff:   cfg.Oracle.ContactCutoff,
		Exhaustiveness:  cfg.Oracle.Exhaustiveness,
		Seed:            cfg.Oracle.Seed,
		Timeout:         cfg.Oracle.Timeout(),
		KeepWorkDirs:    cfg.Oracle.KeepWorkDirs,
		Env:             cfg.Oracle.Env,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	box := cmd.Box()
	log.Info("docking box", zap.Float64s("center", box.Center[:]), zap.Float64s("size", box.Size[:]))
	if cfg.Oracle.NoCache {
		return cmd, nil
	}
	return oracle.NewCaching(cmd), nil
}

func (c *Client) lookupProposer(cfg config.Run, original *model.Structure, ligand model.Ligand, log *zap.Logger) (proposer.Proposer, error) {
	pocket := receptor.Pocket(original, ligand, cfg.Proposer.PocketRadius)
	if len(pocket) == 0 {
		log.Warn("no residues within pocket radius; mutating the whole receptor", zap.Float64("radius", cfg.Proposer.PocketRadius))
	}
	p, err := proposer.Lookup(cfg.Proposer.Name, proposer.Options{
		Seed:         cfg.Seed,
		PerRound:     cfg.Proposer.PerRound,
		Budget:       cfg.Proposer.Budget,
		MaxMutations: cfg.Proposer.MaxMutations,
		Pocket:       pocket,
		Bias:         cfg.Proposer.Bias,
		Args:         cfg.Proposer.Args,
		Env:          cfg.Proposer.Env,
		Timeout:      cfg.Proposer.Timeout(),
		Logger:       log,
	})
	if errors.Is(err, proposer.ErrProposerNotFound) {
		return nil, apperr.Input("config", "proposer.name", err)
	}
	if err != nil {
		return nil, apperr.Input("proposer", "build proposer", err)
	}
	return p, nil
}

func (c *Client) publish(ctx context.Context, cfg config.Publish, dir, runID string) (blob.Published, error) {
	store, err := blob.New(ctx, blob.Options{
		Driver:    blob.Driver(cfg.Driver),
		Dir:       cfg.Dir,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		PathStyle: cfg.PathStyle,
	})
	if err != nil {
		return blob.Published{}, err
	}
	prefix := filepath.ToSlash(filepath.Join(cfg.Prefix, filepath.Base(dir)))
	return blob.Publish(ctx, store, dir, prefix, map[string]string{"run-id": runID})
}

func summarize(rep report.Report, dir string) RunSummary {
	summary := RunSummary{
		RunID:       rep.RunID,
		Dir:         dir,
		Outcome:     rep.Outcome,
		Reason:      rep.Reason,
		Iterations:  rep.Iterations,
		OracleCalls: rep.OracleCalls,
		Failures:    len(rep.Failures),
		ArchiveSize: rep.ArchiveSize,
		Partial:     rep.Partial,
	}
	if best, ok := rep.Best(); ok {
		affinity := best.Affinity
		summary.BestID = best.ID
		summary.BestAffinity = &affinity
		summary.BestLineage = best.Mutations
	}
	return summary
}

// Runs lists stored runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunRecord, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	return runs, nil
}

// Top returns the best ranked entries of one run.
func (c *Client) Top(ctx context.Context, req TopRequest) ([]model.EntryRecord, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	entries, ok, err := c.store.GetEntries(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("entries not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// Summary reads summary.json of one run.
func (c *Client) Summary(ctx context.Context, req SummaryRequest) (report.Report, error) {
	dir, err := c.runDir(ctx, req.RunID, req.Latest)
	if err != nil {
		return report.Report{}, err
	}
	return report.ReadSummary(dir)
}

// Lineage reads lineage.json of one run.
func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]report.LineageNode, error) {
	dir, err := c.runDir(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	nodes, err := report.ReadLineage(dir)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nodes, nil
	}
	for _, node := range nodes {
		if node.ID == req.ID || node.Fingerprint == req.ID {
			return []report.LineageNode{node}, nil
		}
	}
	return nil, fmt.Errorf("structure %s not found in run %s", req.ID, filepath.Base(dir))
}

// runDir resolves a run reference to its directory under the output root.
func (c *Client) runDir(ctx context.Context, runID string, latest bool) (string, error) {
	runID, err := c.resolveRunID(ctx, runID, latest)
	if err != nil {
		return "", err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("run not found: %s", runID)
	}
	return filepath.Join(c.outDir, run.Dir), nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	return runs[0].RunID, nil
}
