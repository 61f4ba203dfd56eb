package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"flint/internal/apperr"
	"flint/internal/model"
	"flint/internal/receptor"
	"flint/internal/structio"
)

// DefaultVinaArgs runs AutoDock Vina directly. Placeholders are replaced per
// call; {receptor} and {ligand} are the prepared PDBQT files.
var DefaultVinaArgs = []string{
	"vina",
	"--receptor", "{receptor}",
	"--ligand", "{ligand}",
	"--out", "{out}",
	"--center_x", "{center_x}", "--center_y", "{center_y}", "--center_z", "{center_z}",
	"--size_x", "{size_x}", "--size_y", "{size_y}", "--size_z", "{size_z}",
	"--exhaustiveness", "{exhaustiveness}",
	"--seed", "{seed}",
}

// Preparation commands turn {in} into the PDBQT file {out}. They default to
// Open Babel when the docking command is the default one.
var (
	DefaultPrepareReceptorArgs = []string{"obabel", "{in}", "-xr", "-O", "{out}"}
	DefaultPrepareLigandArgs   = []string{"obabel", "{in}", "-h", "-O", "{out}"}
)

const (
	defaultBoxPadding     = 8.0
	defaultMinBoxSize     = 20.0
	defaultContactCutoff  = 4.0
	defaultExhaustiveness = 8
	stderrTail            = 512
	waitDelay             = 2 * time.Second
)

type CommandConfig struct {
	Name string
	Args []string

	// PrepareReceptor runs once per call on the written receptor PDB and
	// PrepareLigand once per oracle on the ligand file. Empty means the file
	// is handed to Args as is.
	PrepareReceptor []string
	PrepareLigand   []string

	Ligand         model.Ligand
	BoxPadding     float64
	MinBoxSize     float64
	ContactCutoff  float64
	Exhaustiveness int
	Seed           int64
	Timeout        time.Duration
	WorkDir        string
	KeepWorkDirs   bool
	Env            []string
	Logger         *zap.Logger
}

// CommandOracle scores a structure by running an external docking program
// once per call in its own scratch directory.
type CommandOracle struct {
	cfg CommandConfig
	box Box
	log *zap.Logger

	ligandMu   sync.Mutex
	ligandDir  string
	ligandPath string
}

func NewCommand(cfg CommandConfig) (*CommandOracle, error) {
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultVinaArgs
		if cfg.PrepareReceptor == nil {
			cfg.PrepareReceptor = DefaultPrepareReceptorArgs
		}
		if cfg.PrepareLigand == nil && !strings.EqualFold(cfg.Ligand.Format, "pdbqt") {
			cfg.PrepareLigand = DefaultPrepareLigandArgs
		}
	}
	if len(cfg.Ligand.Atoms) == 0 {
		return nil, apperr.Input("oracle", "ligand has no reference atoms", nil)
	}
	if cfg.Ligand.Path == "" {
		return nil, apperr.Input("oracle", "ligand path is required", nil)
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Args[0])
	}
	if cfg.BoxPadding <= 0 {
		cfg.BoxPadding = defaultBoxPadding
	}
	if cfg.MinBoxSize <= 0 {
		cfg.MinBoxSize = defaultMinBoxSize
	}
	if cfg.ContactCutoff <= 0 {
		cfg.ContactCutoff = defaultContactCutoff
	}
	if cfg.Exhaustiveness <= 0 {
		cfg.Exhaustiveness = defaultExhaustiveness
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, argv := range [][]string{cfg.Args, cfg.PrepareReceptor, cfg.PrepareLigand} {
		if len(argv) == 0 {
			continue
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			return nil, apperr.Unrecoverable("oracle", fmt.Sprintf("executable %q not found", argv[0]), err)
		}
	}
	return &CommandOracle{
		cfg: cfg,
		box: LigandBox(cfg.Ligand, cfg.BoxPadding, cfg.MinBoxSize),
		log: logger.With(zap.String("oracle", cfg.Name)),
	}, nil
}

func (o *CommandOracle) Name() string {
	return o.cfg.Name
}

func (o *CommandOracle) Box() Box {
	return o.box
}

func (o *CommandOracle) Score(ctx context.Context, s *model.Structure) (model.Score, error) {
	if err := ctx.Err(); err != nil {
		return model.Score{}, err
	}
	started := time.Now()
	fingerprint := receptor.Fingerprint(s)

	dir, err := os.MkdirTemp(o.cfg.WorkDir, "dock-"+fingerprint[:12]+"-")
	if err != nil {
		return model.Score{}, apperr.Unrecoverable("oracle", "create scratch directory in "+o.cfg.WorkDir, err)
	}
	if !o.cfg.KeepWorkDirs {
		defer os.RemoveAll(dir)
	}

	ligandPath, err := o.preparedLigand(ctx)
	if err != nil {
		return model.Score{}, err
	}
	receptorPath := filepath.Join(dir, "receptor.pdb")
	if err := structio.WriteStructure(receptorPath, s); err != nil {
		return model.Score{}, apperr.ScoringFailure("oracle", "write receptor", err)
	}
	if len(o.cfg.PrepareReceptor) > 0 {
		prepared := filepath.Join(dir, "receptor.pdbqt")
		if _, err := o.run(ctx, dir, "receptor preparation", fill(o.cfg.PrepareReceptor, receptorPath, prepared)); err != nil {
			return model.Score{}, err
		}
		if err := nonEmpty(prepared); err != nil {
			return model.Score{}, apperr.ScoringFailure("oracle", "receptor preparation", err)
		}
		receptorPath = prepared
	}
	outPath := filepath.Join(dir, "out.pdbqt")
	args := o.expand(receptorPath, ligandPath, outPath)

	o.log.Debug("docking", zap.String("fingerprint", fingerprint), zap.Strings("args", args))
	stdout, err := o.run(ctx, dir, "docking", args)
	if err != nil {
		return model.Score{}, err
	}

	energies, err := ParseVinaTable(stdout)
	if err != nil {
		if raw, readErr := os.ReadFile(outPath); readErr == nil {
			energies, err = ParseVinaPoses(string(raw))
		}
	}
	if err != nil {
		return model.Score{}, apperr.ScoringFailure("oracle", "unparsable docking output", err)
	}

	score := Aggregate(energies)
	score.Oracle = o.cfg.Name
	score.Duration = time.Since(started)
	score.Interaction = model.Interaction{
		LigandCenter: o.cfg.Ligand.Centroid(),
		BoxCenter:    o.box.Center,
		BoxSize:      o.box.Size,
		Contacts:     receptor.Contacts(s, o.cfg.Ligand, o.cfg.ContactCutoff),
	}
	return score, nil
}

// run executes args in dir under the per-call timeout and returns stdout.
// Caller cancellation comes back as ctx.Err(); a failing program is a
// ScoringFailure.
func (o *CommandOracle) run(ctx context.Context, dir, what string, args []string) (string, error) {
	callCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(callCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	if len(o.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), o.cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	switch {
	case runErr == nil:
		return stdout.String(), nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(runErr, exec.ErrNotFound):
		return "", apperr.Unrecoverable("oracle", fmt.Sprintf("%s executable %q not found", what, args[0]), runErr)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return "", apperr.ScoringFailure("oracle", fmt.Sprintf("%s timeout after %s", what, o.cfg.Timeout), runErr)
	default:
		return "", apperr.ScoringFailure("oracle", what+" exited: "+tail(stderr.String()), runErr)
	}
}

// preparedLigand converts the ligand on first use and reuses the result. A
// ligand that cannot be prepared makes every call fail, so that is
// unrecoverable.
func (o *CommandOracle) preparedLigand(ctx context.Context) (string, error) {
	if len(o.cfg.PrepareLigand) == 0 {
		return o.cfg.Ligand.Path, nil
	}
	o.ligandMu.Lock()
	defer o.ligandMu.Unlock()
	if o.ligandPath != "" {
		return o.ligandPath, nil
	}
	if o.ligandDir == "" {
		dir, err := os.MkdirTemp(o.cfg.WorkDir, "ligand-")
		if err != nil {
			return "", apperr.Unrecoverable("oracle", "create ligand directory in "+o.cfg.WorkDir, err)
		}
		o.ligandDir = dir
	}
	out := filepath.Join(o.ligandDir, "ligand.pdbqt")
	if _, err := o.run(ctx, o.ligandDir, "ligand preparation", fill(o.cfg.PrepareLigand, o.cfg.Ligand.Path, out)); err != nil {
		if apperr.IsScoringFailure(err) {
			return "", apperr.Unrecoverable("oracle", "prepare ligand "+o.cfg.Ligand.Path, err)
		}
		return "", err
	}
	if err := nonEmpty(out); err != nil {
		return "", apperr.Unrecoverable("oracle", "prepare ligand "+o.cfg.Ligand.Path, err)
	}
	o.log.Info("ligand prepared", zap.String("path", out))
	o.ligandPath = out
	return out, nil
}

// Close removes the prepared ligand unless work directories are kept.
func (o *CommandOracle) Close() error {
	o.ligandMu.Lock()
	defer o.ligandMu.Unlock()
	if o.ligandDir == "" || o.cfg.KeepWorkDirs {
		return nil
	}
	err := os.RemoveAll(o.ligandDir)
	o.ligandDir, o.ligandPath = "", ""
	return err
}

func fill(template []string, in, out string) []string {
	replacer := strings.NewReplacer("{in}", in, "{out}", out)
	args := make([]string, len(template))
	for i, arg := range template {
		args[i] = replacer.Replace(arg)
	}
	return args
}

func nonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", filepath.Base(path))
	}
	return nil
}

func (o *CommandOracle) expand(receptorPath, ligandPath, outPath string) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	replacer := strings.NewReplacer(
		"{receptor}", receptorPath,
		"{ligand}", ligandPath,
		"{out}", outPath,
		"{center_x}", f(o.box.Center[0]),
		"{center_y}", f(o.box.Center[1]),
		"{center_z}", f(o.box.Center[2]),
		"{size_x}", f(o.box.Size[0]),
		"{size_y}", f(o.box.Size[1]),
		"{size_z}", f(o.box.Size[2]),
		"{exhaustiveness}", strconv.Itoa(o.cfg.Exhaustiveness),
		"{seed}", strconv.FormatInt(o.cfg.Seed, 10),
	)
	out := make([]string, len(o.cfg.Args))
	for i, arg := range o.cfg.Args {
		out[i] = replacer.Replace(arg)
	}
	return out
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	if s == "" {
		return "no stderr"
	}
	return s
}
