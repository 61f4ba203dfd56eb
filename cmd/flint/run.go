package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"flint/internal/config"
	"flint/pkg/flint"
)

type runFlags struct {
	configPath     string
	receptor       string
	ligand         string
	runID          string
	seed           int64
	proposer       string
	perRound       int
	maxMutations   int
	maxIterations  int
	patience       int
	minImprovement float64
	target         float64
	maxOracleCalls int
	timeout        float64
	workers        int
	parents        int
	selector       string
	keep           string
	dockArgs       []string
	prepReceptor   []string
	prepLigand     []string
	dockTimeout    float64
	noCache        bool
	publish        string
	publishDir     string
	publishBucket  string
	publishPrefix  string
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one mutation search and write its run directory",
		Example: "  flint run --receptor rec.pdb --ligand lig.sdf --out results -v\n" +
			"  flint run --config campaign.json --max-iterations 20 --target -9.5",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(f.configPath)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, g, f, &cfg)

			g.out, g.store = cfg.Out, cfg.Store
			client, logger, err := g.openClient(cmd.Context(), cfg.Verbosity, cfg.LogJSON)
			if err != nil {
				return err
			}
			defer client.Close()
			defer func() { _ = logger.Sync() }()

			summary, runErr := client.Run(cmd.Context(), flint.RunRequest{Config: cfg, ConfigPath: f.configPath})
			if summary.RunID != "" {
				printRunSummary(cmd, summary)
			}
			return runErr
		},
	}

	bindRunFlags(cmd, f)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "run config (.json, .yaml); flags override its values")
	fl.StringVar(&f.receptor, "receptor", "", "receptor PDB file")
	fl.StringVar(&f.ligand, "ligand", "", "reference ligand (.sdf, .mol, .mol2, .pdb, .pdbqt)")
	fl.StringVar(&f.runID, "run-id", "", "run id (default: a new ULID)")
	fl.Int64Var(&f.seed, "seed", 0, "random seed for the proposer and parent selection")
	fl.StringVar(&f.proposer, "proposer", "", "proposer name: point|command")
	fl.IntVar(&f.perRound, "per-round", 0, "candidates requested per iteration")
	fl.IntVar(&f.maxMutations, "max-mutations", 0, "largest number of point edits per candidate")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "stop after this many iterations")
	fl.IntVar(&f.patience, "patience", 0, "stop after this many iterations without improvement")
	fl.Float64Var(&f.minImprovement, "min-improvement", 0, "smallest affinity gain (kcal/mol) that counts as improvement")
	fl.Float64Var(&f.target, "target", 0, "stop once the best affinity reaches this value (kcal/mol)")
	fl.IntVar(&f.maxOracleCalls, "max-oracle-calls", 0, "stop after this many docking calls")
	fl.Float64Var(&f.timeout, "timeout", 0, "wall-clock limit for the whole run, in seconds")
	fl.IntVar(&f.workers, "workers", 0, "concurrent docking calls")
	fl.IntVar(&f.parents, "parents", 0, "parents handed to the proposer per iteration")
	fl.StringVar(&f.selector, "selector", "", "parent selector: elite|tournament")
	fl.StringVar(&f.keep, "keep", "", "score kept for a re-observed structure: first|min")
	fl.StringSliceVar(&f.dockArgs, "dock-cmd", nil, "docking command and arguments with {receptor} {ligand} {out} placeholders")
	fl.StringSliceVar(&f.prepReceptor, "prepare-receptor", nil, "command converting {in} to PDBQT at {out} before each docking call")
	fl.StringSliceVar(&f.prepLigand, "prepare-ligand", nil, "command converting the ligand {in} to PDBQT at {out} once per run")
	fl.Float64Var(&f.dockTimeout, "dock-timeout", 0, "limit for one docking call, in seconds")
	fl.BoolVar(&f.noCache, "no-cache", false, "do not memoize docking scores by fingerprint")
	fl.StringVar(&f.publish, "publish", "", "copy the finished run to a blob store: fs|s3")
	fl.StringVar(&f.publishDir, "publish-dir", "", "root directory for --publish fs")
	fl.StringVar(&f.publishBucket, "publish-bucket", "", "bucket for --publish s3")
	fl.StringVar(&f.publishPrefix, "publish-prefix", "", "key prefix for published runs")
}

// applyRunFlags overlays explicitly set flags on cfg. Unset flags keep the
// config file value.
func applyRunFlags(cmd *cobra.Command, g *globals, f *runFlags, cfg *config.Run) {
	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	if changed("out") || cfg.Out == "" {
		cfg.Out = g.out
	}
	if changed("store") {
		cfg.Store = g.store
	}
	if changed("verbose") {
		cfg.Verbosity = min(g.verbosity, 2)
	}
	if changed("log-json") {
		cfg.LogJSON = g.logJSON
	}
	if changed("receptor") {
		cfg.Receptor = f.receptor
	}
	if changed("ligand") {
		cfg.Ligand = f.ligand
	}
	if changed("run-id") {
		cfg.RunID = f.runID
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}
	if changed("proposer") {
		cfg.Proposer.Name = f.proposer
	}
	if changed("per-round") {
		cfg.Proposer.PerRound = f.perRound
	}
	if changed("max-mutations") {
		cfg.Proposer.MaxMutations = f.maxMutations
	}
	if changed("max-iterations") {
		cfg.Loop.MaxIterations = f.maxIterations
	}
	if changed("patience") {
		cfg.Loop.Patience = f.patience
	}
	if changed("min-improvement") {
		cfg.Loop.MinImprovement = f.minImprovement
	}
	if changed("target") {
		target := f.target
		cfg.Loop.TargetAffinity = &target
	}
	if changed("max-oracle-calls") {
		cfg.Loop.MaxOracleCalls = f.maxOracleCalls
	}
	if changed("timeout") {
		cfg.Loop.TimeoutSeconds = f.timeout
	}
	if changed("workers") {
		cfg.Loop.Workers = f.workers
	}
	if changed("parents") {
		cfg.Loop.ParentCount = f.parents
	}
	if changed("selector") {
		cfg.Loop.Selector = f.selector
	}
	if changed("keep") {
		cfg.Archive.Keep = f.keep
	}
	if changed("dock-cmd") {
		cfg.Oracle.Args = f.dockArgs
	}
	if changed("prepare-receptor") {
		cfg.Oracle.PrepareReceptor = f.prepReceptor
	}
	if changed("prepare-ligand") {
		cfg.Oracle.PrepareLigand = f.prepLigand
	}
	if changed("dock-timeout") {
		cfg.Oracle.TimeoutSeconds = f.dockTimeout
	}
	if changed("no-cache") {
		cfg.Oracle.NoCache = f.noCache
	}
	if changed("publish") {
		cfg.Publish.Driver = f.publish
	}
	if changed("publish-dir") {
		cfg.Publish.Dir = f.publishDir
	}
	if changed("publish-bucket") {
		cfg.Publish.Bucket = f.publishBucket
	}
	if changed("publish-prefix") {
		cfg.Publish.Prefix = f.publishPrefix
	}
	cfg.Normalize()
}

func printRunSummary(cmd *cobra.Command, s flint.RunSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run completed run_id=%s outcome=%s reason=%s iterations=%d oracle_calls=%d failures=%d archive_size=%d partial=%t\n",
		s.RunID, s.Outcome, s.Reason, s.Iterations, s.OracleCalls, s.Failures, s.ArchiveSize, s.Partial)
	if s.BestAffinity != nil {
		mutations := "-"
		if len(s.BestLineage) > 0 {
			mutations = strings.Join(s.BestLineage, ",")
		}
		fmt.Fprintf(out, "best id=%s delta_g=%.3f mutations=%s\n", s.BestID, *s.BestAffinity, mutations)
	} else {
		fmt.Fprintln(out, "best none scored")
	}
	if s.Published != nil {
		fmt.Fprintf(out, "published driver=%s prefix=%s files=%d bytes=%d\n", s.Published.Driver, s.Published.Prefix, s.Published.Files, s.Published.Bytes)
	}
	if s.PublishError != "" {
		fmt.Fprintf(out, "publish_error=%q\n", s.PublishError)
	}
	fmt.Fprintf(out, "run_dir=%s\n", s.Dir)
}
