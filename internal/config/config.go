// Package config loads the lodserver YAML configuration.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
)

//go:embed config.schema.json
var schemaJSON string

const schemaURL = "config.schema.json"

type Config struct {
	MaxNodes      int    `yaml:"max_nodes"`
	TickRateHz    int    `yaml:"tick_rate_hz"`
	Strict        bool   `yaml:"strict"`
	ValidateEvery int    `yaml:"validate_every"`
	DataDir       string `yaml:"data_dir"`

	Queues   Queues   `yaml:"queues"`
	World    World    `yaml:"world"`
	Builder  Builder  `yaml:"builder"`
	Observer Observer `yaml:"observer"`
	Index    Index    `yaml:"index"`
	EventLog EventLog `yaml:"event_log"`
	Dump     Dump     `yaml:"dump"`
	Mirror   Mirror   `yaml:"mirror"`
	Log      Log      `yaml:"log"`
}

type Queues struct {
	Results      int `yaml:"results"`
	ChildChanges int `yaml:"child_changes"`
	Requests     int `yaml:"requests"`
	Control      int `yaml:"control"`
}

type World struct {
	Seed         int64   `yaml:"seed"`
	TopLevel     int     `yaml:"top_level"`
	Radius       int     `yaml:"radius"`
	MinLevel     int     `yaml:"min_level"`
	FillPermille int     `yaml:"fill_permille"`
	LODDistance  float64 `yaml:"lod_distance"`

	// Camera is the start position in level-0 section units.
	Camera         []int   `yaml:"camera"`
	CameraSpeed    float64 `yaml:"camera_speed"`
	EditsPerSecond float64 `yaml:"edits_per_second"`
}

type Builder struct {
	Workers int `yaml:"workers"`
}

type Observer struct {
	Addr string `yaml:"addr"`
}

type Index struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type EventLog struct {
	Enabled bool `yaml:"enabled"`
}

type Dump struct {
	EveryTicks int `yaml:"every_ticks"`
}

// Mirror uploads node buffer dumps to an S3-compatible bucket. Credentials come from
// VS_MIRROR_ACCESS_KEY_ID and VS_MIRROR_SECRET_ACCESS_KEY.
type Mirror struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Workers  int    `yaml:"workers"`
}

type Log struct {
	Level string `yaml:"level"`
	// File additionally writes JSON logs to a size-rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func defaults() Config {
	return Config{
		MaxNodes:   1 << 18,
		TickRateHz: 30,
		DataDir:    "data",
		Queues: Queues{
			Results:      8192,
			ChildChanges: 8192,
			Requests:     4,
			Control:      64,
		},
		World: World{
			Seed:         1337,
			TopLevel:     6,
			Radius:       2,
			MinLevel:     0,
			FillPermille: 450,
			LODDistance:  2.5,
			Camera:       []int{0, 0, 0},
			CameraSpeed:  2,
		},
		Builder:  Builder{Workers: 4},
		Observer: Observer{Addr: "127.0.0.1:8090"},
		Index:    Index{Enabled: true},
		EventLog: EventLog{Enabled: true},
		Mirror:   Mirror{Workers: 2},
		Log:      Log{Level: "info", MaxSizeMB: 100, MaxBackups: 3},
	}
}

// Load reads path on top of the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse validates raw YAML against the embedded schema and decodes it on top of the defaults.
func Parse(b []byte) (Config, error) {
	cfg := defaults()
	if err := validateSchema(b); err != nil {
		return cfg, errors.Wrap(err, "lodserver.yaml")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("lodserver.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("lodserver.yaml: %w", err)
	}
	return cfg, nil
}

func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "convert yaml to json")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return err
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return err
	}
	return s.Validate(v)
}

// Normalize fills zero values left by a partial file.
func (c *Config) Normalize() {
	d := defaults()
	if c.MaxNodes <= 0 {
		c.MaxNodes = d.MaxNodes
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = d.TickRateHz
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = d.DataDir
	}
	if c.Builder.Workers <= 0 {
		c.Builder.Workers = d.Builder.Workers
	}
	if c.World.LODDistance <= 0 {
		c.World.LODDistance = d.World.LODDistance
	}
	if len(c.World.Camera) != 3 {
		c.World.Camera = []int{0, 0, 0}
	}
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = d.Mirror.Workers
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = d.Log.MaxSizeMB
	}
	if c.Index.Enabled && strings.TrimSpace(c.Index.Path) == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index", "ticks.sqlite")
	}
}

func (c Config) Validate() error {
	if c.MaxNodes&(c.MaxNodes-1) != 0 || c.MaxNodes > nodestore.MaxCapacity {
		return fmt.Errorf("max_nodes %d must be a power of two <= %d", c.MaxNodes, nodestore.MaxCapacity)
	}
	if c.World.TopLevel < 1 || c.World.TopLevel > pos.MaxLevel {
		return fmt.Errorf("world.top_level %d out of range [1,%d]", c.World.TopLevel, pos.MaxLevel)
	}
	if c.World.MinLevel < 0 || c.World.MinLevel >= c.World.TopLevel {
		return fmt.Errorf("world.min_level %d must be below top_level %d", c.World.MinLevel, c.World.TopLevel)
	}
	if c.Mirror.Enabled && (strings.TrimSpace(c.Mirror.Endpoint) == "" || strings.TrimSpace(c.Mirror.Bucket) == "") {
		return fmt.Errorf("mirror.endpoint and mirror.bucket are required when mirror is enabled")
	}
	// Two layers of (2*radius)^2 top-level sections.
	if roots := 8 * c.World.Radius * c.World.Radius; roots > c.MaxNodes {
		return fmt.Errorf("world.radius %d needs %d top-level nodes, max_nodes is %d", c.World.Radius, roots, c.MaxNodes)
	}
	return nil
}
