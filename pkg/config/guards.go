package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
)

// GuardFile is the on-disk form of a guard set. A guard that evaluates to true blocks.
//
//	guards:
//	  - name: no-freeze
//	    expr: 'reason.contains("freeze")'
type GuardFile struct {
	Guards []policy.Guard `yaml:"guards"`
}

// LoadGuardFile reads one guard set. Guard names are prefixed with the set name
// taken from the file name (guards_<set>.yaml) when they are not already qualified.
func LoadGuardFile(path string) ([]policy.Guard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guards %s: %w", path, err)
	}

	var file GuardFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse guards %s: %w", path, err)
	}

	set := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "guards_"), filepath.Ext(path))
	for i := range file.Guards {
		if file.Guards[i].Name == "" {
			return nil, fmt.Errorf("parse guards %s: guard %d has no name", path, i)
		}
		if !strings.Contains(file.Guards[i].Name, "/") {
			file.Guards[i].Name = set + "/" + file.Guards[i].Name
		}
	}
	return file.Guards, nil
}

// LoadGuardDir loads every guards_*.yaml file in dir, in file name order.
func LoadGuardDir(dir string) ([]policy.Guard, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "guards_*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var guards []policy.Guard
	for _, path := range matches {
		g, err := LoadGuardFile(path)
		if err != nil {
			return nil, err
		}
		guards = append(guards, g...)
	}
	return guards, nil
}
