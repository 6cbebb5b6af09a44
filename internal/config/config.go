// Package config loads the quiver configuration file. Values present in the
// file overlay the built-in defaults; absent values keep them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-quiver/internal/parity"
)

// Config drives a quiver run.
type Config struct {
	// TestdataDir holds the fixture tree, e.g. <dir>/encoder_decoder_test/.
	TestdataDir string `yaml:"testdata_dir"`
	// Checks lists the checks to run: tied, hub, t5x.
	Checks   []string `yaml:"checks"`
	LogLevel string   `yaml:"log_level"`

	TiedHead parity.TiedHeadOptions `yaml:"tied_head"`
	Hub      parity.HubOptions      `yaml:"hub"`
	T5X      parity.T5XOptions      `yaml:"t5x"`
}

// AllChecks are the check names in run order.
var AllChecks = []string{"tied", "hub", "t5x"}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TestdataDir: "internal/parity/testdata",
		Checks:      append([]string(nil), AllChecks...),
		LogLevel:    "info",
		TiedHead:    parity.DefaultTiedHeadOptions(),
		Hub:         parity.DefaultHubOptions(),
		T5X:         parity.DefaultT5XOptions(),
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.overlay(data); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) overlay(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the check names and the sizes every check needs.
func (c Config) Validate() error {
	var errs []error
	if len(c.Checks) == 0 {
		errs = append(errs, errors.New("no checks selected"))
	}
	for _, name := range c.Checks {
		if !isCheck(name) {
			errs = append(errs, fmt.Errorf("unknown check %q", name))
		}
	}
	positive := func(field string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field, v))
		}
	}
	positive("tied_head.batch_size", c.TiedHead.BatchSize)
	positive("tied_head.vocab_size", c.TiedHead.VocabSize)
	positive("hub.batch_size", c.Hub.BatchSize)
	positive("hub.vocab_size", c.Hub.VocabSize)
	positive("t5x.vocab_size", c.T5X.VocabSize)
	if c.TiedHead.NumHeads > 0 && c.TiedHead.HiddenDim%c.TiedHead.NumHeads != 0 {
		errs = append(errs, fmt.Errorf("tied_head.hidden_dim %d not divisible by num_heads %d",
			c.TiedHead.HiddenDim, c.TiedHead.NumHeads))
	}
	if c.T5X.Tolerance.Abs < 0 || c.T5X.Tolerance.Rel < 0 {
		errs = append(errs, errors.New("t5x.tolerance must be non-negative"))
	}
	return errors.Join(errs...)
}

// Wants reports whether check is selected.
func (c Config) Wants(check string) bool {
	for _, name := range c.Checks {
		if name == check {
			return true
		}
	}
	return false
}

func isCheck(name string) bool {
	for _, n := range AllChecks {
		if n == name {
			return true
		}
	}
	return false
}
