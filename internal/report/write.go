package report

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"flint/internal/structio"
)

const (
	summaryTSV    = "summary.tsv"
	summaryJSON   = "summary.json"
	lineageJSON   = "lineage.json"
	configJSON    = "config.json"
	inputsTXT     = "inputs.txt"
	metricsProm   = "metrics.prom"
	partialMarker = "PARTIAL"
	originalDir   = "original"
	mutantsDir    = "mutants"
)

// TextfileWriter dumps metrics in the Prometheus text format.
type TextfileWriter interface {
	WriteTextfile(path string) error
}

// Extras are run artifacts that are not part of the ranked report.
type Extras struct {
	Config     any
	ConfigPath string
	// LigandPath is copied to original/ligand<ext> when set.
	LigandPath string
	Metrics    TextfileWriter
}

var ErrRunExists = errors.New("run directory already exists")

// RunDir is the final directory name of runID under outDir.
func RunDir(outDir, runID string) string {
	return filepath.Join(outDir, "run-"+runID)
}

// WriteRun writes the run into a staging directory and renames it into place,
// so a run directory under its final name is always complete. The run is then
// appended to the index in outDir.
func WriteRun(outDir string, rep Report, extras Extras) (string, error) {
	if rep.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	final := RunDir(outDir, rep.RunID)
	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("%w: %s", ErrRunExists, final)
	}
	staging := filepath.Join(outDir, ".staging-"+rep.RunID)
	if err := os.RemoveAll(staging); err != nil {
		return "", err
	}
	for _, dir := range []string{staging, filepath.Join(staging, originalDir), filepath.Join(staging, mutantsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	if err := writeStaging(staging, rep, extras); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("publish run directory: %w", err)
	}

	entry := RunIndexEntry{
		RunID:        rep.RunID,
		Dir:          filepath.Base(final),
		Outcome:      rep.Outcome,
		Reason:       rep.Reason,
		Iterations:   rep.Iterations,
		OracleCalls:  rep.OracleCalls,
		BestAffinity: rep.RunRecord("").BestAffinity,
		Partial:      rep.Partial,
		CreatedAtUTC: rep.CreatedAtUTC,
	}
	if err := AppendRunIndex(outDir, entry); err != nil {
		return final, fmt.Errorf("update run index: %w", err)
	}
	return final, nil
}

func writeStaging(dir string, rep Report, extras Extras) error {
	if err := writeSummaryTSV(filepath.Join(dir, summaryTSV), rep); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, summaryJSON), rep); err != nil {
		return err
	}
	lineage := rep.Lineage
	if lineage == nil {
		lineage = []LineageNode{}
	}
	if err := writeJSON(filepath.Join(dir, lineageJSON), lineage); err != nil {
		return err
	}
	if extras.Config != nil {
		if err := writeJSON(filepath.Join(dir, configJSON), extras.Config); err != nil {
			return err
		}
	}
	if err := writeInputs(filepath.Join(dir, inputsTXT), rep, extras); err != nil {
		return err
	}

	if rep.Original.structure != nil {
		if err := structio.WriteStructure(filepath.Join(dir, originalDir, "receptor.pdb"), rep.Original.structure); err != nil {
			return err
		}
	}
	if extras.LigandPath != "" {
		ext := strings.ToLower(filepath.Ext(extras.LigandPath))
		if err := copyFile(extras.LigandPath, filepath.Join(dir, originalDir, "ligand"+ext)); err != nil {
			return fmt.Errorf("copy ligand: %w", err)
		}
	}
	for _, row := range rep.Mutants {
		if row.structure == nil {
			continue
		}
		name := fmt.Sprintf("%03d_%s.pdb", row.Rank, row.ID)
		if err := structio.WriteStructure(filepath.Join(dir, mutantsDir, name), row.structure); err != nil {
			return err
		}
	}

	if extras.Metrics != nil {
		if err := extras.Metrics.WriteTextfile(filepath.Join(dir, metricsProm)); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if rep.Partial {
		marker := fmt.Sprintf("outcome=%s reason=%s interrupted=%t\n", rep.Outcome, rep.Reason, rep.Interrupted)
		if err := os.WriteFile(filepath.Join(dir, partialMarker), []byte(marker), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeSummaryTSV(path string, rep Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "ID\trank\tdelta_G\tKd\tn_mutations\tmutations")
	for _, row := range append([]Row{rep.Original}, rep.Mutants...) {
		mutations := "-"
		if len(row.Mutations) > 0 {
			mutations = strings.Join(row.Mutations, ",")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
			row.ID, row.Rank, formatAffinity(row), formatKd(row), row.NetMutations, mutations)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeInputs(path string, rep Report, extras Extras) error {
	lines := []string{
		"run_id\t" + rep.RunID,
		"receptor\t" + rep.Receptor,
		"ligand\t" + rep.Ligand,
		"oracle\t" + rep.Oracle,
		"proposer\t" + rep.Proposer,
		"seed\t" + strconv.FormatInt(rep.Seed, 10),
	}
	if extras.ConfigPath != "" {
		lines = append(lines, "config\t"+extras.ConfigPath)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

func formatAffinity(row Row) string {
	if !row.Scored {
		return "NA"
	}
	return strconv.FormatFloat(row.Affinity, 'f', 3, 64)
}

func formatKd(row Row) string {
	if !row.Scored {
		return "NA"
	}
	return strconv.FormatFloat(row.Kd, 'e', 4, 64)
}
