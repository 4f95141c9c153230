// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package share holds the immutable per-share configuration: the exported
// root directory, its access bits and optional exclude patterns. Shares
// are owned by configuration; nodes and searches only reference them.
package share

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
	"gopkg.in/yaml.v3"

	"sharefs/internal/common"
	"sharefs/internal/cpname"
)

// Info describes one exported directory. Immutable after registration.
type Info struct {
	Name        string
	RootDir     string
	ReadAccess  bool
	WriteAccess bool

	excludes *ignore.GitIgnore
}

// Excluded reports whether a share-relative path is filtered out of
// enumerations by the share's exclude patterns.
func (i *Info) Excluded(rel string) bool {
	if i.excludes == nil {
		return false
	}
	return i.excludes.MatchesPath(rel)
}

// Registry maps share names to their configuration.
type Registry struct {
	mu     sync.RWMutex
	shares map[string]*Info
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{shares: make(map[string]*Info)}
}

// Add registers a share. The name must be unique and the root directory
// must exist.
func (r *Registry) Add(name, rootDir string, writable bool, excludePatterns []string) (*Info, error) {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return nil, fmt.Errorf("share name %q: %w", name, common.ErrInvalidName)
	}
	fi, err := os.Stat(rootDir)
	if err != nil {
		return nil, fmt.Errorf("share %q root: %w", name, common.ErrNotFound)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("share %q root %q: %w", name, rootDir, common.ErrNotDir)
	}

	info := &Info{
		Name:        name,
		RootDir:     rootDir,
		ReadAccess:  true,
		WriteAccess: writable,
	}
	if len(excludePatterns) > 0 {
		info.excludes = ignore.CompileIgnoreLines(excludePatterns...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shares[name]; ok {
		return nil, fmt.Errorf("share %q: %w", name, common.ErrExists)
	}
	r.shares[name] = info
	return info, nil
}

// Get looks up a share by name.
func (r *Registry) Get(name string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.shares[name]
	return info, ok
}

// Names returns the share names in stable order, for the virtual root
// listing.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.shares))
	for name := range r.shares {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered shares.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shares)
}

// Resolve splits a wire CP name into its share and the share-relative
// remainder, and converts the remainder to a confined local path. The
// empty name (the virtual root listing the shares) is the caller's
// special case, not Resolve's.
func (r *Registry) Resolve(cpName string) (*Info, string, error) {
	if cpName == "" {
		return nil, "", fmt.Errorf("empty name has no share: %w", common.ErrInvalidName)
	}
	shareName, rest, _ := strings.Cut(cpName, "/")
	dec, err := cpname.Unescape([]byte(shareName))
	if err != nil {
		return nil, "", err
	}
	info, ok := r.Get(string(dec))
	if !ok {
		return nil, "", fmt.Errorf("share %q: %w", string(dec), common.ErrNotFound)
	}
	local, err := cpname.ToLocal(rest, info.RootDir)
	if err != nil {
		return nil, "", err
	}
	return info, local, nil
}

// Config file format.

type shareConfig struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Writable bool     `yaml:"writable"`
	Excludes []string `yaml:"excludes"`
}

type sharesFile struct {
	Shares []shareConfig `yaml:"shares"`
}

// LoadFile builds a registry from a YAML shares file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shares file: %w", err)
	}
	var cfg sharesFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse shares file: %w", err)
	}
	r := NewRegistry()
	for _, sc := range cfg.Shares {
		if _, err := r.Add(sc.Name, sc.Path, sc.Writable, sc.Excludes); err != nil {
			return nil, err
		}
	}
	return r, nil
}
