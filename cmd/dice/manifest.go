// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fido-device-onboard/go-dice"
)

// manifest lists the stages measured by boot, in boot order.
//
//	layers:
//	  - name: bootloader
//	    code: bl.bin
//	    code_descriptor: "bootloader v1.2"
//	    config: 0a0b0c
//	    authority_descriptor: "vendor key 1"
//	    mode: normal
//	  - name: kernel
//	    code_hash: 9f86...
//	    config_descriptor: '{"cmdline":"quiet"}'
//	    mode: debug
type manifest struct {
	Layers []layer `yaml:"layers"`
}

// layer describes one stage. Code and authority may be given either as a file
// to hash or as a hex digest. The config is either an inline hex value of at
// most 64 bytes, a descriptor, or a hex digest.
type layer struct {
	Name string `yaml:"name"`

	Code           string `yaml:"code"`
	CodeHash       string `yaml:"code_hash"`
	CodeDescriptor string `yaml:"code_descriptor"`

	Config           string `yaml:"config"`
	ConfigHash       string `yaml:"config_hash"`
	ConfigDescriptor string `yaml:"config_descriptor"`

	Authority           string `yaml:"authority"`
	AuthorityHash       string `yaml:"authority_hash"`
	AuthorityDescriptor string `yaml:"authority_descriptor"`

	Mode   string `yaml:"mode"`
	Hidden string `yaml:"hidden"`
}

// readManifest parses a manifest file. Relative file paths in the manifest are
// resolved against the directory of the manifest.
func readManifest(ops dice.Ops, path string) ([]dice.InputValues, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return parseManifest(ops, filepath.Dir(path), data)
}

func parseManifest(ops dice.Ops, dir string, data []byte) ([]dice.InputValues, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("manifest has no layers")
	}

	inputs := make([]dice.InputValues, len(m.Layers))
	for i, l := range m.Layers {
		name := l.Name
		if name == "" {
			name = fmt.Sprintf("%d", i)
		}
		in, err := l.inputValues(ops, dir)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", name, err)
		}
		inputs[i] = in
	}
	return inputs, nil
}

func (l *layer) inputValues(ops dice.Ops, dir string) (in dice.InputValues, err error) {
	if in.CodeHash, err = measure(ops, dir, "code", l.Code, l.CodeHash); err != nil {
		return in, err
	}
	if in.AuthorityHash, err = measure(ops, dir, "authority", l.Authority, l.AuthorityHash); err != nil {
		return in, err
	}
	in.CodeDescriptor = descriptor(l.CodeDescriptor)
	in.AuthorityDescriptor = descriptor(l.AuthorityDescriptor)

	switch {
	case l.Config != "" && (l.ConfigHash != "" || l.ConfigDescriptor != ""):
		return in, fmt.Errorf("config cannot be combined with config_hash or config_descriptor")
	case l.Config != "":
		b, err := hex.DecodeString(l.Config)
		if err != nil {
			return in, fmt.Errorf("invalid config: %w", err)
		}
		if len(b) > dice.InlineConfigSize {
			return in, fmt.Errorf("inline config is %d bytes, limit is %d", len(b), dice.InlineConfigSize)
		}
		var cfg dice.InlineConfig
		copy(cfg[:], b)
		in.Config = cfg
	default:
		cfg := &dice.DescriptorConfig{Descriptor: descriptor(l.ConfigDescriptor)}
		if l.ConfigHash != "" {
			if cfg.Digest, err = parseDigest(l.ConfigHash); err != nil {
				return in, fmt.Errorf("invalid config_hash: %w", err)
			}
		}
		in.Config = cfg
	}

	in.Mode = dice.ModeNormal
	if l.Mode != "" {
		if in.Mode, err = dice.ParseMode(l.Mode); err != nil {
			return in, err
		}
	}

	if l.Hidden != "" {
		b, err := hex.DecodeString(l.Hidden)
		if err != nil {
			return in, fmt.Errorf("invalid hidden: %w", err)
		}
		if len(b) > dice.HiddenSize {
			return in, fmt.Errorf("hidden is %d bytes, limit is %d", len(b), dice.HiddenSize)
		}
		copy(in.Hidden[:], b)
	}
	return in, nil
}

// measure hashes a file or parses a hex digest. If neither is given, the
// digest is all zeros.
func measure(ops dice.Ops, dir, what, file, digest string) (d dice.Digest, err error) {
	switch {
	case file != "" && digest != "":
		return d, fmt.Errorf("%s and %s_hash are mutually exclusive", what, what)
	case digest != "":
		if d, err = parseDigest(digest); err != nil {
			return d, fmt.Errorf("invalid %s_hash: %w", what, err)
		}
		return d, nil
	case file != "":
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		b, err := os.ReadFile(file)
		if err != nil {
			return d, fmt.Errorf("error reading %s: %w", what, err)
		}
		if err := ops.Hash(b, &d); err != nil {
			return d, fmt.Errorf("error hashing %s: %w", what, err)
		}
		return d, nil
	default:
		return d, nil
	}
}

func parseDigest(s string) (d dice.Digest, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("digest is %d bytes, expected %d", len(b), len(d))
	}
	copy(d[:], b)
	return d, nil
}

func descriptor(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
