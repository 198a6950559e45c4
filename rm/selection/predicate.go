package selection

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/twitter/gridsched/rm/node"
)

// Predicate is a boolean test a node must pass to be eligible for a task.
type Predicate interface {
	// ID identifies the predicate in a node's verdict cache.
	ID() string
	// Cacheable is false for predicates whose result can change without anything
	// running on the node, such as dynamic selection scripts.
	Cacheable() bool
	Eval(ctx context.Context, n node.Info) (bool, error)
}

// Prober runs a selection script on a remote node.
type Prober interface {
	Probe(ctx context.Context, n node.Info, script string) (bool, error)
}

const (
	TypeAttribute = "attribute"
	TypeHost      = "host"
	TypeScript    = "script"
)

// Spec is the serializable form of a predicate, stored with task definitions.
//
//   {type: attribute, key: cores, op: ge, value: "4"}   node has at least 4 cores
//   {type: host, value: "^worker-[0-9]+$"}               host name matches
//   {type: script, script: "check_gpu.sh", dynamic: true} probe the node every time
type Spec struct {
	Type    string `json:"type" yaml:"type"`
	Key     string `json:"key,omitempty" yaml:"key"`
	Op      string `json:"op,omitempty" yaml:"op"`
	Value   string `json:"value,omitempty" yaml:"value"`
	Script  string `json:"script,omitempty" yaml:"script"`
	Dynamic bool   `json:"dynamic,omitempty" yaml:"dynamic"`
}

// ID identifies the predicate: equal Specs have equal IDs.
func (s Spec) ID() string {
	switch s.Type {
	case TypeAttribute:
		return fmt.Sprintf("attribute(%s %s %q)", s.Key, s.opOrDefault(), s.Value)
	case TypeHost:
		return fmt.Sprintf("host(%q)", s.Value)
	default:
		return fmt.Sprintf("%s(%q,dynamic=%t)", s.Type, s.Script, s.Dynamic)
	}
}

func (s Spec) opOrDefault() string {
	if s.Op == "" {
		return "eq"
	}
	return s.Op
}

// Build turns a spec into a predicate. Script specs need a prober.
func Build(spec Spec, prober Prober) (Predicate, error) {
	switch spec.Type {
	case TypeAttribute:
		op := spec.opOrDefault()
		switch op {
		case "eq", "ne", "exists":
		case "ge", "le":
			if _, err := strconv.ParseFloat(spec.Value, 64); err != nil {
				return nil, errors.Wrapf(err, "attribute predicate %s needs a numeric value", spec.ID())
			}
		default:
			return nil, fmt.Errorf("unknown attribute operator %q", spec.Op)
		}
		if spec.Key == "" {
			return nil, fmt.Errorf("attribute predicate without key")
		}
		return &attributePredicate{spec: spec, op: op}, nil
	case TypeHost:
		re, err := regexp.Compile(spec.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "bad host pattern %q", spec.Value)
		}
		return &hostPredicate{spec: spec, re: re}, nil
	case TypeScript:
		if prober == nil {
			return nil, fmt.Errorf("script predicate %s configured without a prober", spec.ID())
		}
		if strings.TrimSpace(spec.Script) == "" {
			return nil, fmt.Errorf("script predicate without script")
		}
		return &scriptPredicate{spec: spec, prober: prober}, nil
	}
	return nil, fmt.Errorf("unknown predicate type %q", spec.Type)
}

// BuildAll builds every spec, failing on the first invalid one.
func BuildAll(specs []Spec, prober Prober) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(specs))
	for _, spec := range specs {
		p, err := Build(spec, prober)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

type attributePredicate struct {
	spec Spec
	op   string
}

func (p *attributePredicate) ID() string      { return p.spec.ID() }
func (p *attributePredicate) Cacheable() bool { return !p.spec.Dynamic }

func (p *attributePredicate) Eval(_ context.Context, n node.Info) (bool, error) {
	val, ok := n.Attributes[p.spec.Key]
	switch p.op {
	case "exists":
		return ok, nil
	case "eq":
		return ok && val == p.spec.Value, nil
	case "ne":
		return !ok || val != p.spec.Value, nil
	}
	if !ok {
		return false, nil
	}
	have, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return false, errors.Wrapf(err, "node %s attribute %s is not numeric", n.ID, p.spec.Key)
	}
	want, _ := strconv.ParseFloat(p.spec.Value, 64)
	if p.op == "ge" {
		return have >= want, nil
	}
	return have <= want, nil
}

type hostPredicate struct {
	spec Spec
	re   *regexp.Regexp
}

func (p *hostPredicate) ID() string      { return p.spec.ID() }
func (p *hostPredicate) Cacheable() bool { return !p.spec.Dynamic }
func (p *hostPredicate) Eval(_ context.Context, n node.Info) (bool, error) {
	return p.re.MatchString(n.Host), nil
}

type scriptPredicate struct {
	spec   Spec
	prober Prober
}

func (p *scriptPredicate) ID() string      { return p.spec.ID() }
func (p *scriptPredicate) Cacheable() bool { return !p.spec.Dynamic }
func (p *scriptPredicate) Eval(ctx context.Context, n node.Info) (bool, error) {
	return p.prober.Probe(ctx, n, p.spec.Script)
}
