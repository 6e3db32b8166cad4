// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the YAML document describing a run.
type File struct {
	Config      Config      `yaml:"config"`
	Hyperparams Hyperparams `yaml:"hyperparams"`
	Network     NetworkSpec `yaml:"network"`

	// Output is the directory where the trained model is saved. Optional.
	Output string `yaml:"output,omitempty"`
}

// Load reads the YAML file in path, fills in defaults, expands "~" in the paths and validates it.
func Load(path string) (*File, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration in %q", path)
	}
	return f, nil
}

// Parse is like Load, but takes the YAML contents directly.
// Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, Configf("invalid YAML: %v", err)
	}
	f.SetDefaults()
	if err := f.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// SetDefaults of all sections.
func (f *File) SetDefaults() {
	f.Config.SetDefaults()
	f.Hyperparams.SetDefaults()
}

// Validate all sections.
func (f *File) Validate() error {
	if err := f.Config.Validate(); err != nil {
		return err
	}
	if err := f.Hyperparams.Validate(); err != nil {
		return err
	}
	return f.Network.Validate()
}

// ExpandPaths replaces a leading "~" by the user home directory in every path of the file.
func (f *File) ExpandPaths() (err error) {
	for _, p := range []*string{&f.Config.TrainDSPath, &f.Config.TestDSPath, &f.Output} {
		if *p == "" {
			continue
		}
		*p, err = fsutil.ReplaceTildeInDir(*p)
		if err != nil {
			return err
		}
	}
	for ii := range f.Network.Callbacks {
		cb := &f.Network.Callbacks[ii]
		if cb.Dir == "" {
			continue
		}
		cb.Dir, err = fsutil.ReplaceTildeInDir(cb.Dir)
		if err != nil {
			return err
		}
	}
	return nil
}

// Save writes the file as YAML.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "failed to write configuration to %q", path)
}
