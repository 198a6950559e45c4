package main

import (
	"time"

	"github.com/pkg/errors"

	"github.com/twitter/gridsched/config"
	"github.com/twitter/gridsched/rm/nodesource"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/rm/selection"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/proxy"
	"github.com/twitter/gridsched/scheduler/server"
)

// Config is everything a gridsched process is built from.
type Config struct {
	Registry  registry.Config                `yaml:"registry"`
	Health    registry.HealthConfig          `yaml:"health"`
	Scheduler server.SchedulerConfiguration `yaml:"scheduler"`
	Proxy     proxy.Config                   `yaml:"proxy"`
	Local     LocalConfig                    `yaml:"local"`
	Sources   []nodesource.SourceConfig      `yaml:"sources"`
	Tasks     []TaskConfig                   `yaml:"tasks"`
}

// LocalConfig sizes the in-process deployer and node pool.
type LocalConfig struct {
	BasePort       int               `yaml:"basePort" validate:"min=1"`
	PoolBasePort   int               `yaml:"poolBasePort" validate:"min=1"`
	PoolCapacity   int               `yaml:"poolCapacity" validate:"min=0"`
	PoolAttributes map[string]string `yaml:"poolAttributes"`
}

// TaskConfig is a task submitted by the run command.
type TaskConfig struct {
	Name           string           `yaml:"name" validate:"nonzero"`
	Owner          string           `yaml:"owner"`
	Kind           string           `yaml:"kind"`
	Priority       string           `yaml:"priority"`
	NodeCount      int              `yaml:"nodeCount" validate:"min=1"`
	Selection      []selection.Spec `yaml:"selection"`
	Argv           []string         `yaml:"argv"`
	Timeout        time.Duration    `yaml:"timeout"`
	MaxRetries     int              `yaml:"maxRetries" validate:"min=0"`
	RetryElsewhere bool             `yaml:"retryElsewhere"`
	// DependsOn names earlier tasks of the same list.
	DependsOn []string `yaml:"dependsOn"`
}

func defaultConfig() Config {
	return Config{
		Registry:  registry.DefaultConfig(),
		Health:    registry.DefaultHealthConfig(),
		Scheduler: server.DefaultSchedulerConfiguration(),
		Proxy:     proxy.DefaultConfig(),
		Local: LocalConfig{
			BasePort:     7000,
			PoolBasePort: 8000,
		},
	}
}

// loadConfig layers files over the defaults, later files winning.
func loadConfig(files ...string) (Config, error) {
	cfg := defaultConfig()
	if len(files) == 0 {
		return cfg, config.Validate(&cfg)
	}
	if err := config.Parse(&cfg, files...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var priorities = map[string]domain.Priority{
	"lowest":  domain.Lowest,
	"low":     domain.Low,
	"":        domain.Normal,
	"normal":  domain.Normal,
	"high":    domain.High,
	"highest": domain.Highest,
}

func (tc TaskConfig) definition() (domain.TaskDefinition, error) {
	kind, err := domain.ParseKind(tc.Kind)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	prio, ok := priorities[tc.Priority]
	if !ok {
		return domain.TaskDefinition{}, errors.Errorf("task %s: unknown priority %q", tc.Name, tc.Priority)
	}
	return domain.TaskDefinition{
		Name:           tc.Name,
		Owner:          tc.Owner,
		Kind:           kind,
		Priority:       prio,
		NodeCount:      tc.NodeCount,
		Selection:      tc.Selection,
		Argv:           tc.Argv,
		Timeout:        tc.Timeout,
		MaxRetries:     tc.MaxRetries,
		RetryElsewhere: tc.RetryElsewhere,
	}, nil
}
