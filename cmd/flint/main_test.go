package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flint/internal/apperr"
	"flint/internal/config"
	"flint/internal/structio"
	"flint/internal/testutil"
)

const ligandPDB = "HETATM    1  C1  LIG L   1       7.600  -4.000   0.000  1.00  0.00           C\n" +
	"HETATM    2  O1  LIG L   1       8.800  -4.200   0.300  1.00  0.00           O\n" +
	"END\n"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// fixture writes a receptor, a ligand and a fake docking program that reports
// one fixed pose energy into its {out} argument.
func fixture(t *testing.T) (receptorPath, ligandPath, dock string) {
	t.Helper()
	dir := t.TempDir()
	receptorPath = filepath.Join(dir, "receptor.pdb")
	require.NoError(t, structio.WriteStructure(receptorPath, testutil.Receptor("MKAAYIAKQR")))
	ligandPath = filepath.Join(dir, "ligand.pdb")
	require.NoError(t, os.WriteFile(ligandPath, []byte(ligandPDB), 0o644))
	dock = filepath.Join(dir, "fake-vina.sh")
	script := "#!/bin/sh\nprintf 'REMARK VINA RESULT:    -6.000      0.000      0.000\\n' > \"$1\"\n"
	require.NoError(t, os.WriteFile(dock, []byte(script), 0o755))
	return receptorPath, ligandPath, dock
}

func TestRunThenQuery(t *testing.T) {
	receptorPath, ligandPath, dock := fixture(t)
	out := t.TempDir()

	stdout, err := execute(t, "run",
		"--out", out,
		"--receptor", receptorPath,
		"--ligand", ligandPath,
		"--dock-cmd", dock+",{out}",
		"--run-id", "01CLI",
		"--max-iterations", "2",
		"--per-round", "2",
		"--workers", "2",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "run completed run_id=01CLI outcome=BUDGET_EXHAUSTED reason=max_iterations")
	assert.Contains(t, stdout, "delta_g=-6.000")
	assert.DirExists(t, filepath.Join(out, "run-01CLI"))
	assert.FileExists(t, filepath.Join(out, "flint.db"))

	stdout, err = execute(t, "runs", "--out", out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "run_id=01CLI "), stdout)

	stdout, err = execute(t, "top", "--out", out, "--latest", "--limit", "0")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.GreaterOrEqual(t, len(lines), 2)
	assert.True(t, strings.HasPrefix(lines[0], "rank=1 "), lines[0])

	stdout, err = execute(t, "summary", "--out", out, "--latest")
	require.NoError(t, err)
	assert.Contains(t, stdout, "run_id=01CLI ")
	assert.Contains(t, stdout, "residues=10 atoms=")
	assert.Contains(t, stdout, "chains=A\n")
	assert.Contains(t, stdout, "original rank=")

	stdout, err = execute(t, "lineage", "--out", out, "--run-id", "01CLI", "--id", "original")
	require.NoError(t, err)
	assert.Equal(t, "id=original depth=0 iteration=0 parent=- step=- lineage=- evicted=false\n", stdout)
}

func TestRunRejectsMissingReceptor(t *testing.T) {
	_, ligandPath, dock := fixture(t)
	out := t.TempDir()

	_, err := execute(t, "run",
		"--out", out,
		"--receptor", filepath.Join(t.TempDir(), "missing.pdb"),
		"--ligand", ligandPath,
		"--dock-cmd", dock,
	)
	require.Error(t, err)
	assert.Equal(t, apperr.ExitInput, apperr.ExitCode(err))
	_, statErr := os.Stat(filepath.Join(out, "run_index.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	receptorPath, ligandPath, _ := fixture(t)
	_, err := execute(t, "run", "--out", t.TempDir(), "--receptor", receptorPath, "--ligand", ligandPath, "--selector", "roulette")
	require.Error(t, err)
	assert.Equal(t, apperr.ExitInput, apperr.ExitCode(err))
	assert.Contains(t, err.Error(), "loop.selector")
}

func TestApplyRunFlagsOverridesOnlyChangedFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	body := `{"receptor": "a.pdb", "ligand": "b.sdf", "loop": {"max_iterations": 7, "patience": 2}, "proposer": {"name": "point", "per_round": 5}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.LoadOrDefault(path)
	require.NoError(t, err)

	g := &globals{out: "results"}
	f := &runFlags{}
	cmd := &cobra.Command{Use: "run"}
	bindRunFlags(cmd, f)
	require.NoError(t, cmd.ParseFlags([]string{"--patience", "4", "--target", "-9.5", "--ligand", "c.mol2"}))
	applyRunFlags(cmd, g, f, &cfg)

	assert.Equal(t, "results", cfg.Out)
	assert.Equal(t, "a.pdb", cfg.Receptor)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	assert.Equal(t, 5, cfg.Proposer.PerRound)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 4, cfg.Loop.Patience)
	assert.Equal(t, "c.mol2", cfg.Ligand)
	require.NotNil(t, cfg.Loop.TargetAffinity)
	assert.Equal(t, -9.5, *cfg.Loop.TargetAffinity)
}

func TestRunsOnEmptyOutput(t *testing.T) {
	stdout, err := execute(t, "runs", "--out", t.TempDir(), "--store", "memory")
	require.NoError(t, err)
	assert.Equal(t, "no runs found\n", stdout)

	_, err = execute(t, "runs", "--out", t.TempDir(), "--limit", "0")
	assert.EqualError(t, err, "limit must be > 0")

	_, err = execute(t, "top", "--out", t.TempDir(), "--run-id", "x", "--latest")
	assert.EqualError(t, err, "use either run id or latest")
}
