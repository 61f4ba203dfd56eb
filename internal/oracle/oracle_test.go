package oracle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flint/internal/apperr"
	"flint/internal/model"
	"flint/internal/receptor"
	"flint/internal/testutil"
)

const vinaStdout = `AutoDock Vina v1.2.5
Computing Vina grid ... done.
Performing docking (random seed: 42) ... 
0%   10   20   30   40   50   60   70   80   90   100%
|----|----|----|----|----|----|----|----|----|----|
***************************************************

mode |   affinity | dist from best mode
     | (kcal/mol) | rmsd l.b.| rmsd u.b.
-----+------------+----------+----------
   1       -7.2          0          0
   2       -6.8      1.914      2.557
   3       -6.5      2.301      3.114
Writing output ... done.
`

func testLigand(t *testing.T) model.Ligand {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ligand.pdbqt")
	require.NoError(t, os.WriteFile(path, []byte("HETATM\n"), 0o644))
	return model.Ligand{
		Path:   path,
		Format: "pdbqt",
		Atoms: []model.Atom{
			{Name: "C1", Element: "C", X: 3.8, Y: -4, Z: 0},
			{Name: "C2", Element: "C", X: 7.6, Y: -4, Z: 0},
		},
	}
}

func fakeDocker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-vina.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestKdAndAggregate(t *testing.T) {
	assert.InDelta(t, 1.0, Kd(0), 1e-12)
	assert.Less(t, Kd(-7.2), Kd(-5.0))
	assert.InDelta(t, 5.27e-6, Kd(-7.2), 1e-7)

	score := Aggregate([]float64{-7.2, -6.8, -6.5})
	assert.True(t, score.Scored)
	assert.InDelta(t, -6.8333, score.Affinity, 1e-3)
	assert.InDelta(t, (Kd(-7.2)+Kd(-6.8)+Kd(-6.5))/3, score.Kd, 1e-15)
	assert.Len(t, score.PoseAffinities, 3)
}

func TestParseVinaTable(t *testing.T) {
	energies, err := ParseVinaTable(vinaStdout)
	require.NoError(t, err)
	assert.Equal(t, []float64{-7.2, -6.8, -6.5}, energies)

	_, err = ParseVinaTable("Vina crashed before docking\n")
	assert.ErrorIs(t, err, errNoPoses)

	_, err = ParseVinaTable("-----+------\n   1       nan   0   0\n")
	assert.Error(t, err)
}

func TestParseVinaPoses(t *testing.T) {
	out := "MODEL 1\nREMARK VINA RESULT:    -8.1      0.000      0.000\nENDMDL\n" +
		"MODEL 2\nREMARK VINA RESULT:    -7.9      1.100      2.000\nENDMDL\n"
	energies, err := ParseVinaPoses(out)
	require.NoError(t, err)
	assert.Equal(t, []float64{-8.1, -7.9}, energies)
}

func TestLigandBox(t *testing.T) {
	box := LigandBox(testLigand(t), 2, 1)
	assert.InDelta(t, 5.7, box.Center[0], 1e-9)
	assert.InDelta(t, 7.8, box.Size[0], 1e-9)
	assert.InDelta(t, 4, box.Size[1], 1e-9)

	floored := LigandBox(testLigand(t), 2, 20)
	assert.Equal(t, model.Vec3{20, 20, 20}, floored.Size)
}

func TestCommandOracleScores(t *testing.T) {
	script := fakeDocker(t, "test -s \"$1\" || exit 9\ncat <<'OUT'\n"+vinaStdout+"OUT\n")
	o, err := NewCommand(CommandConfig{
		Name:   "vina",
		Args:   []string{script, "{receptor}", "{out}", "{center_x}"},
		Ligand: testLigand(t),
	})
	require.NoError(t, err)

	score, err := o.Score(context.Background(), testutil.Receptor("MKTAY"))
	require.NoError(t, err)
	assert.True(t, score.Scored)
	assert.Equal(t, "vina", score.Oracle)
	assert.InDelta(t, -6.8333, score.Affinity, 1e-3)
	assert.NotEmpty(t, score.Interaction.Contacts)
	assert.Equal(t, o.Box().Center, score.Interaction.BoxCenter)
	for _, c := range score.Interaction.Contacts {
		assert.LessOrEqual(t, c.Distance, defaultContactCutoff)
	}
}

func TestCommandOracleFallsBackToPoseFile(t *testing.T) {
	script := fakeDocker(t, "printf 'REMARK VINA RESULT:    -9.0  0 0\\n' > \"$2\"\n")
	o, err := NewCommand(CommandConfig{Args: []string{script, "{receptor}", "{out}"}, Ligand: testLigand(t)})
	require.NoError(t, err)

	score, err := o.Score(context.Background(), testutil.Receptor("MKTAY"))
	require.NoError(t, err)
	assert.Equal(t, -9.0, score.Affinity)
}

func TestCommandOracleFailures(t *testing.T) {
	ligand := testLigand(t)
	s := testutil.Receptor("MKTAY")

	crash, err := NewCommand(CommandConfig{Args: []string{fakeDocker(t, "echo boom >&2\nexit 3\n")}, Ligand: ligand})
	require.NoError(t, err)
	_, err = crash.Score(context.Background(), s)
	assert.True(t, apperr.IsScoringFailure(err), "crash: %v", err)
	assert.Contains(t, err.Error(), "boom")

	garbage, err := NewCommand(CommandConfig{Args: []string{fakeDocker(t, "echo nothing useful\n")}, Ligand: ligand})
	require.NoError(t, err)
	_, err = garbage.Score(context.Background(), s)
	assert.True(t, apperr.IsScoringFailure(err), "garbage: %v", err)

	slow, err := NewCommand(CommandConfig{
		Args:    []string{fakeDocker(t, "exec sleep 5\n")},
		Ligand:  ligand,
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = slow.Score(context.Background(), s)
	assert.True(t, apperr.IsScoringFailure(err), "timeout: %v", err)

	_, err = NewCommand(CommandConfig{Args: []string{"definitely-not-a-docking-binary"}, Ligand: ligand})
	assert.True(t, apperr.IsUnrecoverable(err))

	_, err = NewCommand(CommandConfig{Args: []string{"sh"}})
	assert.True(t, apperr.IsInput(err))
}

func TestCommandOracleDocksPreparedFiles(t *testing.T) {
	work := t.TempDir()
	argsFile := filepath.Join(work, "args")
	countFile := filepath.Join(work, "ligand-preps")
	prepareReceptor := fakeDocker(t, "{ echo PREPARED; cat \"$1\"; } > \"$2\"\n")
	prepareLigand := fakeDocker(t, "echo x >> \"$COUNT_FILE\"\n{ echo PREPARED; cat \"$1\"; } > \"$2\"\n")
	dock := fakeDocker(t, "head -n 1 \"$1\" | grep -q PREPARED || exit 7\n"+
		"head -n 1 \"$2\" | grep -q PREPARED || exit 8\n"+
		"printf '%s\\n' \"$1\" \"$2\" >> \"$ARGS_FILE\"\n"+
		"cat <<'OUT'\n"+vinaStdout+"OUT\n")

	o, err := NewCommand(CommandConfig{
		Args:            []string{dock, "{receptor}", "{ligand}"},
		PrepareReceptor: []string{prepareReceptor, "{in}", "{out}"},
		PrepareLigand:   []string{prepareLigand, "{in}", "{out}"},
		Ligand:          testLigand(t),
		WorkDir:         work,
		Env:             []string{"ARGS_FILE=" + argsFile, "COUNT_FILE=" + countFile},
	})
	require.NoError(t, err)

	for _, seq := range []string{"MKTAY", "MKTAW"} {
		score, err := o.Score(context.Background(), testutil.Receptor(seq))
		require.NoError(t, err, seq)
		assert.True(t, score.Scored)
	}

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "receptor.pdbqt", filepath.Base(lines[0]))
	assert.Equal(t, "ligand.pdbqt", filepath.Base(lines[1]))
	assert.NotEqual(t, lines[0], lines[2])
	assert.Equal(t, lines[1], lines[3])

	preps, err := os.ReadFile(countFile)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(preps))

	require.NoError(t, o.Close())
	assert.NoFileExists(t, lines[1])
}

func TestCommandOraclePreparationFailures(t *testing.T) {
	dock := fakeDocker(t, "cat <<'OUT'\n"+vinaStdout+"OUT\n")
	s := testutil.Receptor("MKTAY")

	badLigand, err := NewCommand(CommandConfig{
		Args:          []string{dock},
		PrepareLigand: []string{fakeDocker(t, "echo 'unknown format' >&2\nexit 1\n"), "{in}", "{out}"},
		Ligand:        testLigand(t),
	})
	require.NoError(t, err)
	_, err = badLigand.Score(context.Background(), s)
	assert.True(t, apperr.IsUnrecoverable(err), "ligand: %v", err)
	assert.Contains(t, err.Error(), "unknown format")

	silentReceptor, err := NewCommand(CommandConfig{
		Args:            []string{dock},
		PrepareReceptor: []string{fakeDocker(t, "exit 0\n"), "{in}", "{out}"},
		Ligand:          testLigand(t),
	})
	require.NoError(t, err)
	_, err = silentReceptor.Score(context.Background(), s)
	assert.True(t, apperr.IsScoringFailure(err), "receptor: %v", err)
}

func TestCommandOracleDefaultsToOpenBabelPreparation(t *testing.T) {
	bin := t.TempDir()
	for _, name := range []string{"vina", "obabel"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv("PATH", bin)

	ligand := testLigand(t)
	ligand.Format = "sdf"
	o, err := NewCommand(CommandConfig{Ligand: ligand})
	require.NoError(t, err)
	assert.Equal(t, DefaultVinaArgs, o.cfg.Args)
	assert.Equal(t, DefaultPrepareReceptorArgs, o.cfg.PrepareReceptor)
	assert.Equal(t, DefaultPrepareLigandArgs, o.cfg.PrepareLigand)

	ligand.Format = "pdbqt"
	o, err = NewCommand(CommandConfig{Ligand: ligand})
	require.NoError(t, err)
	assert.Empty(t, o.cfg.PrepareLigand)

	custom, err := NewCommand(CommandConfig{Args: []string{"vina", "{receptor}"}, Ligand: ligand})
	require.NoError(t, err)
	assert.Empty(t, custom.cfg.PrepareReceptor)

	require.NoError(t, os.Remove(filepath.Join(bin, "obabel")))
	_, err = NewCommand(CommandConfig{Ligand: ligand})
	assert.True(t, apperr.IsUnrecoverable(err))
	assert.Contains(t, err.Error(), "obabel")
}

func TestCommandOracleCancelledIsNotAFailure(t *testing.T) {
	o, err := NewCommand(CommandConfig{Args: []string{fakeDocker(t, "exec sleep 5\n")}, Ligand: testLigand(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = o.Score(ctx, testutil.Receptor("MKTAY"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, apperr.IsScoringFailure(err))
}

func TestCachingCallsInnerOncePerFingerprint(t *testing.T) {
	var mu sync.Mutex
	perFingerprint := map[string]int{}
	inner := Func{OracleName: "fake", Fn: func(ctx context.Context, s *model.Structure) (model.Score, error) {
		mu.Lock()
		perFingerprint[receptor.Fingerprint(s)]++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		if s.Residues[0].Name == "ALA" {
			return model.Score{}, apperr.ScoringFailure("fake", "no pose", nil)
		}
		return model.Score{Scored: true, Affinity: -6}, nil
	}}
	c := NewCaching(inner)
	good := testutil.Receptor("MKTAY")
	bad := testutil.Receptor("AKTAY")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := good
			if i%2 == 1 {
				target = bad
			}
			_, _ = c.Score(context.Background(), target)
		}(i)
	}
	wg.Wait()

	score, err := c.Score(context.Background(), testutil.Receptor("MKTAY"))
	require.NoError(t, err)
	assert.Equal(t, "fake", score.Oracle)
	_, err = c.Score(context.Background(), bad)
	assert.True(t, apperr.IsScoringFailure(err))

	assert.Equal(t, int64(2), c.Calls())
	for fp, n := range perFingerprint {
		assert.Equal(t, 1, n, "fingerprint %s", fp)
	}
}
