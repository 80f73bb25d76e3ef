// Package config loads cuenv project files.
//
// A project file is cuenv.yaml, cuenv.yml, cuenv.jsonc or cuenv.json,
// found by walking up from the working directory. The CUENV_CONFIG
// environment variable names a file explicitly and disables discovery.
// JSONC files may carry comments and trailing commas.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	cuenv "github.com/rawkode/cuenv-sub002"
	"github.com/rawkode/cuenv-sub002/hook"
	"github.com/rawkode/cuenv-sub002/internal/envutil"
	"github.com/rawkode/cuenv-sub002/policy"
)

// EnvConfig is the environment variable that overrides discovery.
const EnvConfig = "CUENV_CONFIG"

// FileNames are the project file names, in lookup order.
var FileNames = []string{"cuenv.yaml", "cuenv.yml", "cuenv.jsonc", "cuenv.json"}

// ErrNotFound is returned by Load when no project file exists.
var ErrNotFound = errors.New("config: no cuenv project file found")

// File is a parsed project file.
type File struct {
	// Path is the file the configuration was read from.
	Path string `yaml:"-"`
	// Dir is the project root: the directory containing Path.
	Dir string `yaml:"-"`

	StateDir string                `yaml:"state_dir"`
	Sandbox  SandboxConfig         `yaml:"sandbox"`
	Hooks    HooksConfig           `yaml:"hooks"`
	Tasks    map[string]TaskConfig `yaml:"tasks"`
}

// SandboxConfig holds the runtime knobs of cuenv.Config. Unset fields
// keep their defaults.
type SandboxConfig struct {
	Fallback       string                `yaml:"fallback"`
	DNSUpstream    string                `yaml:"dns_upstream"`
	DNSTimeout     time.Duration         `yaml:"dns_timeout"`
	StrictDNSTypes *bool                 `yaml:"strict_dns_types"`
	Shell          string                `yaml:"shell"`
	MaxOutputBytes int                   `yaml:"max_output_bytes"`
	Slirp4netns    *string               `yaml:"slirp4netns"`
	ResourceLimits *cuenv.ResourceLimits `yaml:"resource_limits"`
}

// HooksConfig lists the hooks of the project directory.
type HooksConfig struct {
	OnEnter []HookConfig `yaml:"onEnter"`
	OnExit  []HookConfig `yaml:"onExit"`
}

// HookConfig declares one hook. Kind is blocking, preload, source or
// source-background.
type HookConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Kind    string            `yaml:"kind"`
}

// TaskConfig declares a task. Exactly one of Command and Script is set;
// Script runs through the configured shell.
type TaskConfig struct {
	Command  string                  `yaml:"command"`
	Args     []string                `yaml:"args"`
	Script   string                  `yaml:"script"`
	Dir      string                  `yaml:"dir"`
	Env      map[string]string       `yaml:"env"`
	Timeout  time.Duration           `yaml:"timeout"`
	Security *policy.SecurityRequest `yaml:"security"`
}

// Load reads the file named by CUENV_CONFIG, or the nearest project file
// at or above dir.
func Load(dir string) (*File, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// Find returns the nearest project file at or above dir.
func Find(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("config: resolve %s: %w", dir, err)
	}
	for {
		for _, name := range FileNames {
			candidate := filepath.Join(abs, name)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate, nil
			}
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%w in %s or its parents", ErrNotFound, dir)
		}
		abs = parent
	}
}

// LoadFile parses and validates one project file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	f.Path = abs
	f.Dir = filepath.Dir(abs)
	return f, nil
}

// Parse decodes a project file. ext selects the syntax: ".json" and
// ".jsonc" are read as JSONC, anything else as YAML. Unknown keys are
// errors.
func Parse(data []byte, ext string) (*File, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate reports every problem in f.
func (f *File) Validate() error {
	var errs []error
	if f.Sandbox.Fallback != "" {
		var fp cuenv.FallbackPolicy
		if err := fp.UnmarshalText([]byte(f.Sandbox.Fallback)); err != nil {
			errs = append(errs, fmt.Errorf("sandbox.fallback: %w", err))
		}
	}
	if f.Sandbox.DNSTimeout < 0 {
		errs = append(errs, errors.New("sandbox.dns_timeout must not be negative"))
	}
	if f.Sandbox.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("sandbox.max_output_bytes must not be negative"))
	}
	for i, h := range f.Hooks.OnEnter {
		if _, err := h.spec(""); err != nil {
			errs = append(errs, fmt.Errorf("hooks.onEnter[%d]: %w", i, err))
		}
	}
	for i, h := range f.Hooks.OnExit {
		if _, err := h.spec(""); err != nil {
			errs = append(errs, fmt.Errorf("hooks.onExit[%d]: %w", i, err))
		}
	}
	for _, name := range f.TaskNames() {
		t := f.Tasks[name]
		switch {
		case t.Command == "" && t.Script == "":
			errs = append(errs, fmt.Errorf("tasks.%s: command or script is required", name))
		case t.Command != "" && t.Script != "":
			errs = append(errs, fmt.Errorf("tasks.%s: command and script are mutually exclusive", name))
		case t.Script != "" && len(t.Args) > 0:
			errs = append(errs, fmt.Errorf("tasks.%s: args require command", name))
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("tasks.%s: timeout must not be negative", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", cuenv.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Apply copies the sandbox section onto cfg. Fields absent from the file
// are left unchanged.
func (f *File) Apply(cfg *cuenv.Config) error {
	s := f.Sandbox
	if s.Fallback != "" {
		if err := cfg.FallbackPolicy.UnmarshalText([]byte(s.Fallback)); err != nil {
			return err
		}
	}
	if s.DNSUpstream != "" {
		cfg.DNSUpstream = s.DNSUpstream
	}
	if s.DNSTimeout > 0 {
		cfg.DNSTimeout = s.DNSTimeout
	}
	if s.StrictDNSTypes != nil {
		cfg.StrictDNSTypes = *s.StrictDNSTypes
	}
	if s.Shell != "" {
		cfg.Shell = s.Shell
	}
	if s.MaxOutputBytes > 0 {
		cfg.MaxOutputBytes = s.MaxOutputBytes
	}
	if s.Slirp4netns != nil {
		cfg.Slirp4netns = *s.Slirp4netns
	}
	if s.ResourceLimits != nil {
		rl := *s.ResourceLimits
		cfg.ResourceLimits = &rl
	}
	return cfg.Validate()
}

// HookSpecs converts the hooks section. Relative hook directories are
// resolved against the project root.
func (f *File) HookSpecs() (onEnter, onExit []hook.Spec, err error) {
	convert := func(hooks []HookConfig) ([]hook.Spec, error) {
		specs := make([]hook.Spec, 0, len(hooks))
		for _, h := range hooks {
			s, err := h.spec(f.Dir)
			if err != nil {
				return nil, err
			}
			specs = append(specs, s)
		}
		return specs, nil
	}
	if onEnter, err = convert(f.Hooks.OnEnter); err != nil {
		return nil, nil, err
	}
	if onExit, err = convert(f.Hooks.OnExit); err != nil {
		return nil, nil, err
	}
	return onEnter, onExit, nil
}

func (h HookConfig) spec(root string) (hook.Spec, error) {
	kind, err := hook.ParseKind(h.Kind)
	if err != nil {
		return hook.Spec{}, err
	}
	s := hook.Spec{
		Name:    h.Name,
		Command: h.Command,
		Args:    slices.Clone(h.Args),
		Dir:     resolve(root, h.Dir),
		Env:     h.Env,
		Kind:    kind,
	}
	if s.Name == "" {
		s.Name = filepath.Base(h.Command)
	}
	return s, s.Validate()
}

// TaskNames returns the declared task names in sorted order.
func (f *File) TaskNames() []string {
	names := make([]string, 0, len(f.Tasks))
	for name := range f.Tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Task returns the named task with its directory resolved against the
// project root.
func (f *File) Task(name string) (*TaskConfig, error) {
	t, ok := f.Tasks[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown task %q (have %s)", name, strings.Join(f.TaskNames(), ", "))
	}
	t.Dir = resolve(f.Dir, t.Dir)
	if t.Dir == "" {
		t.Dir = f.Dir
	}
	return &t, nil
}

// StatePath returns the configured hook state directory, or "" for the
// default.
func (f *File) StatePath() string {
	return resolve(f.Dir, os.ExpandEnv(f.StateDir))
}

// EnvList returns the task environment as KEY=VALUE entries.
func (t *TaskConfig) EnvList() []string {
	return envutil.FromMap(t.Env)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) || root == "" {
		return p
	}
	return filepath.Join(root, p)
}
