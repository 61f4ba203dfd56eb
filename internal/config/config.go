// Package config loads and validates the run configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"flint/internal/apperr"
)

const component = "config"

var validate = newValidator()

// newValidator reports fields by their config key rather than the Go name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Run is everything one `flint run` needs. Zero values fall back to the
// defaults filled in by Normalize.
type Run struct {
	Receptor  string `yaml:"receptor" json:"receptor" validate:"required"`
	Ligand    string `yaml:"ligand" json:"ligand" validate:"required"`
	Out       string `yaml:"out" json:"out" validate:"required"`
	RunID     string `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Verbosity int    `yaml:"verbosity" json:"verbosity" validate:"min=0,max=2"`
	LogJSON   bool   `yaml:"log_json,omitempty" json:"log_json,omitempty"`
	Seed      int64  `yaml:"seed" json:"seed"`
	Store     string `yaml:"store" json:"store" validate:"oneof=memory sqlite"`

	Oracle   Oracle   `yaml:"oracle" json:"oracle"`
	Proposer Proposer `yaml:"proposer" json:"proposer"`
	Loop     Loop     `yaml:"loop" json:"loop"`
	Archive  Archive  `yaml:"archive" json:"archive"`
	Publish  Publish  `yaml:"publish" json:"publish"`
}

type Oracle struct {
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
	// PrepareReceptor and PrepareLigand convert {in} to PDBQT at {out}.
	// Left unset with the default args, Open Babel is used.
	PrepareReceptor []string `yaml:"prepare_receptor,omitempty" json:"prepare_receptor,omitempty"`
	PrepareLigand   []string `yaml:"prepare_ligand,omitempty" json:"prepare_ligand,omitempty"`
	Env             []string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutSeconds  float64  `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
	Exhaustiveness  int      `yaml:"exhaustiveness" json:"exhaustiveness" validate:"gte=0"`
	Seed            int64    `yaml:"seed" json:"seed"`
	BoxPadding      float64  `yaml:"box_padding" json:"box_padding" validate:"gte=0"`
	MinBoxSize      float64  `yaml:"min_box_size" json:"min_box_size" validate:"gte=0"`
	ContactCutoff   float64  `yaml:"contact_cutoff" json:"contact_cutoff" validate:"gte=0"`
	KeepWorkDirs    bool     `yaml:"keep_work_dirs,omitempty" json:"keep_work_dirs,omitempty"`
	NoCache         bool     `yaml:"no_cache,omitempty" json:"no_cache,omitempty"`
}

type Proposer struct {
	Name         string   `yaml:"name" json:"name" validate:"required"`
	PerRound     int      `yaml:"per_round" json:"per_round" validate:"gte=0"`
	Budget       int      `yaml:"budget" json:"budget" validate:"gte=0"`
	MaxMutations int      `yaml:"max_mutations" json:"max_mutations" validate:"gte=0"`
	Bias         float64  `yaml:"bias" json:"bias" validate:"gte=0"`
	PocketRadius float64  `yaml:"pocket_radius" json:"pocket_radius" validate:"gte=0"`
	Args         []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env          []string `yaml:"env,omitempty" json:"env,omitempty"`
	// TimeoutSeconds bounds one proposer round.
	TimeoutSeconds float64 `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
}

type Loop struct {
	MaxIterations  int      `yaml:"max_iterations" json:"max_iterations" validate:"gte=0"`
	Patience       int      `yaml:"patience" json:"patience" validate:"gte=0"`
	MinImprovement float64  `yaml:"min_improvement" json:"min_improvement" validate:"gte=0"`
	TargetAffinity *float64 `yaml:"target_affinity,omitempty" json:"target_affinity,omitempty"`
	MaxOracleCalls int      `yaml:"max_oracle_calls" json:"max_oracle_calls" validate:"gte=0"`
	TimeoutSeconds float64  `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
	Workers        int      `yaml:"workers" json:"workers" validate:"gte=1"`
	ParentCount    int      `yaml:"parent_count" json:"parent_count" validate:"gte=1"`
	Selector       string   `yaml:"selector" json:"selector" validate:"oneof=elite tournament"`
}

type Archive struct {
	Keep     string `yaml:"keep" json:"keep" validate:"oneof=first min"`
	Capacity int    `yaml:"capacity" json:"capacity" validate:"gte=0"`
}

// Publish uploads the finished run directory. An empty Driver disables it.
type Publish struct {
	Driver    string `yaml:"driver,omitempty" json:"driver,omitempty" validate:"omitempty,oneof=fs s3"`
	Dir       string `yaml:"dir,omitempty" json:"dir,omitempty" validate:"required_if=Driver fs"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty" validate:"required_if=Driver s3"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"omitempty,url"`
	PathStyle bool   `yaml:"path_style,omitempty" json:"path_style,omitempty"`
}

// Default returns a config with every default filled in and no inputs.
func Default() Run {
	cfg := Run{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero fields with defaults.
func (r *Run) Normalize() {
	if r.Store == "" {
		r.Store = "sqlite"
	}
	if r.Proposer.Name == "" {
		r.Proposer.Name = "point"
	}
	if r.Loop.Workers == 0 {
		r.Loop.Workers = 4
	}
	if r.Loop.ParentCount == 0 {
		r.Loop.ParentCount = 1
	}
	if r.Loop.Selector == "" {
		r.Loop.Selector = "elite"
	}
	if r.Archive.Keep == "" {
		r.Archive.Keep = "first"
	}
	if r.Proposer.PocketRadius == 0 {
		r.Proposer.PocketRadius = 8
	}
}

// Validate checks struct tags and returns a single Input error naming every
// offending field.
func (r Run) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperr.Input(component, "invalid run config", formatValidationError(err))
	}
	return nil
}

func (o Oracle) Timeout() time.Duration {
	return seconds(o.TimeoutSeconds)
}

func (p Proposer) Timeout() time.Duration {
	return seconds(p.TimeoutSeconds)
}

func (l Loop) Timeout() time.Duration {
	return seconds(l.TimeoutSeconds)
}

// Load reads a run config. Files ending in .yaml or .yml are YAML, anything
// else JSON. Unknown keys are rejected in both.
func Load(path string) (Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, apperr.Input(component, fmt.Sprintf("read config %s", path), err)
	}
	var cfg Run
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	}
	if err != nil {
		return Run{}, apperr.Input(component, fmt.Sprintf("decode config %s", path), err)
	}
	return cfg, nil
}

func LoadOrDefault(path string) (Run, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if err != nil {
		return Run{}, err
	}
	cfg.Normalize()
	return cfg, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := fieldPath(e.Namespace())
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid url", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// fieldPath turns "Run.loop.parent_count" into "loop.parent_count".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}
