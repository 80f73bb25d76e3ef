package hook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rawkode/cuenv-sub002/internal/codec"
)

// Kind selects how a hook runs. The set of kinds is closed: Blocking,
// Preload and Source.
type Kind interface {
	fmt.Stringer
	isKind()
}

// Blocking hooks run to completion inside Enter. Only the exit status is
// kept.
type Blocking struct{}

// Preload hooks are started detached and may still be running when Enter
// returns. Tasks wait for them through Manager.WaitPreload.
type Preload struct{}

// Source hooks print shell exports on stdout. The parsed variables are
// stored as a capture record for the interactive shell to consume.
type Source struct {
	// Background runs the hook detached; the capture is written when it
	// finishes.
	Background bool
}

func (Blocking) isKind() {}
func (Preload) isKind()  {}
func (Source) isKind()   {}

func (Blocking) String() string { return "blocking" }
func (Preload) String() string  { return "preload" }

func (s Source) String() string {
	if s.Background {
		return "source-background"
	}
	return "source"
}

// ParseKind returns the Kind named by s, as produced by Kind.String.
// The empty string selects Blocking.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blocking":
		return Blocking{}, nil
	case "preload":
		return Preload{}, nil
	case "source":
		return Source{}, nil
	case "source-background":
		return Source{Background: true}, nil
	default:
		return nil, fmt.Errorf("hook: unknown kind %q", s)
	}
}

// detached reports whether k runs outside Enter.
func detached(k Kind) bool {
	switch k := k.(type) {
	case Preload:
		return true
	case Source:
		return k.Background
	default:
		return false
	}
}

// Spec declares one hook.
type Spec struct {
	Name    string
	Command string
	Args    []string
	// Dir is the working directory. Empty means the directory the event
	// was raised for.
	Dir string
	// Env is added to the hook's environment.
	Env  map[string]string
	Kind Kind
}

// Validate reports a missing name, command or kind.
func (s *Spec) Validate() error {
	var problems []string
	if s.Name == "" {
		problems = append(problems, "name must not be empty")
	}
	if s.Command == "" {
		problems = append(problems, "command must not be empty")
	}
	if s.Kind == nil {
		problems = append(problems, "kind must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("hook %q: %s", s.Name, strings.Join(problems, "; "))
	}
	return nil
}

// specWire is the serialized form of Spec, with Kind as its name.
type specWire struct {
	Name    string            `cbor:"name" yaml:"name"`
	Command string            `cbor:"command" yaml:"command"`
	Args    []string          `cbor:"args,omitempty" yaml:"args,omitempty"`
	Dir     string            `cbor:"dir,omitempty" yaml:"dir,omitempty"`
	Env     map[string]string `cbor:"env,omitempty" yaml:"env,omitempty"`
	Kind    string            `cbor:"kind" yaml:"kind"`
}

func (s Spec) wire() specWire {
	w := specWire{Name: s.Name, Command: s.Command, Args: s.Args, Dir: s.Dir, Env: s.Env}
	if s.Kind != nil {
		w.Kind = s.Kind.String()
	}
	return w
}

// MarshalCBOR implements cbor.Marshaler.
func (s Spec) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(s.wire())
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s *Spec) UnmarshalCBOR(data []byte) error {
	var w specWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return err
	}
	*s = Spec{Name: w.Name, Command: w.Command, Args: w.Args, Dir: w.Dir, Env: w.Env, Kind: kind}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Spec) MarshalYAML() (any, error) {
	return s.wire(), nil
}

// validateSpecs checks every spec before anything runs.
func validateSpecs(specs []Spec) error {
	var errs []error
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
