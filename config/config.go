// Package config loads YAML configuration files into component config structs
// and validates the result with validator tags.
//
//   var cfg struct {
//     Scheduler server.SchedulerConfiguration `yaml:"scheduler"`
//   }
//   cfg.Scheduler = server.DefaultSchedulerConfiguration()
//   err := config.Parse(&cfg, "base.yaml", "override.yaml")
//
// Later files override the fields they set; fields no file sets keep the
// values they had before the call, typically their defaults.
package config

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ValidationError is returned when the merged configuration fails validation.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the validation error of the named field, nil if it passed.
func (e ValidationError) ErrForField(name string) error {
	if errs, ok := e.errorMap[name]; ok {
		return errs
	}
	return nil
}

// Fields lists the failing fields.
func (e ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.errorMap))
	for f := range e.errorMap {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (e ValidationError) Error() string {
	var w bytes.Buffer
	fmt.Fprintf(&w, "validation failed")
	for _, f := range e.Fields() {
		fmt.Fprintf(&w, "\n   %s: %v", f, e.errorMap[f])
	}
	return w.String()
}

// Parse loads configFiles in order, merging them into cfg, then validates cfg.
func Parse(cfg interface{}, configFiles ...string) error {
	if len(configFiles) == 0 {
		return errors.New("no files to load")
	}
	for _, fname := range configFiles {
		data, err := ioutil.ReadFile(fname)
		if err != nil {
			return err
		}
		if err := ParseBytes(cfg, data); err != nil {
			return errors.Wrapf(err, "loading %s", fname)
		}
		log.WithField("file", fname).Debug("Loaded config file")
	}
	return Validate(cfg)
}

// ParseBytes merges one YAML document into cfg without validating.
func ParseBytes(cfg interface{}, data []byte) error {
	return yaml.UnmarshalStrict(data, cfg)
}

// Validate checks the validator tags of cfg.
func Validate(cfg interface{}) error {
	err := validator.Validate(cfg)
	if err == nil {
		return nil
	}
	if errMap, ok := err.(validator.ErrorMap); ok {
		return ValidationError{errorMap: errMap}
	}
	return err
}
