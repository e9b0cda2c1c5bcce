// Package config holds the parameters of one hill-climbing run and loads them
// from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/gppshc/internal/climb"
	"github.com/cwbudde/gppshc/internal/store"
)

// Store backends accepted by RunConfig.Store.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// RunConfig mirrors the flags of `gppshc run`. The validate tags are
// checked by Validate.
type RunConfig struct {
	ILPFile   string `yaml:"ilpfile" json:"ilpfile" validate:"required"`
	SCSFile   string `yaml:"scsfile" json:"scsfile" validate:"required"`
	NamesFile string `yaml:"names,omitempty" json:"names,omitempty"`
	K         int    `yaml:"k" json:"k" validate:"gte=0"`
	OutDir    string `yaml:"outdir" json:"outdir" validate:"required"`

	FalsePositive float64 `yaml:"falsepositive" json:"falsepositive" validate:"gt=0,lt=1"` // beta
	FalseNegative float64 `yaml:"falsenegative" json:"falsenegative" validate:"gt=0,lt=1"` // alpha

	NeighborhoodSize int   `yaml:"ns" json:"ns" validate:"gt=0"`
	MaxIterations    int   `yaml:"mi" json:"mi" validate:"gt=0"`
	Seed             int64 `yaml:"seed" json:"seed"`
	Workers          int   `yaml:"workers" json:"workers" validate:"gte=1"`
	MaxAttempts      int   `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`

	Calibrate          bool   `yaml:"calibrate" json:"calibrate"`
	CheckpointDir      string `yaml:"checkpoint_dir,omitempty" json:"checkpoint_dir,omitempty"`
	CheckpointInterval int    `yaml:"checkpoint_interval" json:"checkpoint_interval" validate:"gte=0"` // seconds
	Store              string `yaml:"store" json:"store" validate:"oneof=fs sqlite"`
}

// validate reports problems under the YAML key names.
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}()

// Default returns the optional parameters at their default values. The
// required ones (paths, k, rates and search budget) are left zero.
func Default() RunConfig {
	return RunConfig{
		Seed:               42,
		Workers:            1,
		MaxAttempts:        climb.DefaultMaxAttempts,
		CheckpointInterval: 10,
		Store:              StoreFS,
	}
}

// Load reads a YAML run configuration on top of Default. Unknown keys are an
// error.
func Load(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return RunConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (RunConfig, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return RunConfig{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c RunConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate rejects missing inputs and out-of-range values.
func (c RunConfig) Validate() error {
	return describe(validate.Struct(c))
}

// ValidateSearch checks everything Validate does except the output
// directory, which jobs run by the server do not have.
func (c RunConfig) ValidateSearch() error {
	return describe(validate.StructExcept(c, "OutDir"))
}

// describe flattens validator errors into one message.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid run config: %w", err)
	}
	problems := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		problems[i] = problem(fe)
	}
	return fmt.Errorf("invalid run config: %s", strings.Join(problems, "; "))
}

func problem(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt":
		return fmt.Sprintf("%s must be > %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "lt":
		return fmt.Sprintf("%s must be < %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
}

// Base is the ILP file name without directory and extension; output files
// are named after it.
func (c RunConfig) Base() string {
	base := filepath.Base(c.ILPFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// JobConfig converts the run parameters to the form stored in checkpoints.
func (c RunConfig) JobConfig() store.JobConfig {
	return store.JobConfig{
		ObservedPath:       c.SCSFile,
		TreePath:           c.ILPFile,
		NamesPath:          c.NamesFile,
		K:                  c.K,
		Alpha:              c.FalseNegative,
		Beta:               c.FalsePositive,
		NeighborhoodSize:   c.NeighborhoodSize,
		MaxIterations:      c.MaxIterations,
		Seed:               c.Seed,
		Workers:            c.Workers,
		MaxAttempts:        c.MaxAttempts,
		CheckpointInterval: c.CheckpointInterval,
	}
}

// FromJobConfig rebuilds run parameters from a checkpointed job. Output
// settings are left at their defaults.
func FromJobConfig(j store.JobConfig) RunConfig {
	c := Default()
	c.SCSFile = j.ObservedPath
	c.ILPFile = j.TreePath
	c.NamesFile = j.NamesPath
	c.K = j.K
	c.FalseNegative = j.Alpha
	c.FalsePositive = j.Beta
	c.NeighborhoodSize = j.NeighborhoodSize
	c.MaxIterations = j.MaxIterations
	c.Seed = j.Seed
	if j.Workers > 0 {
		c.Workers = j.Workers
	}
	if j.MaxAttempts > 0 {
		c.MaxAttempts = j.MaxAttempts
	}
	c.CheckpointInterval = j.CheckpointInterval
	return c
}
