package policy

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bundle is the on-disk form of one policy. JSON bundles decode through the
// same YAML decoder.
type Bundle struct {
	ID          string       `yaml:"id"`
	PolicyID    string       `yaml:"policyId" validate:"required"`
	PolicyName  string       `yaml:"policyName" validate:"required"`
	Description string       `yaml:"description"`
	Enabled     *bool        `yaml:"enabled"`
	Version     string       `yaml:"version"`
	Rules       []BundleRule `yaml:"rules" validate:"dive"`

	// Source is the path the bundle was read from.
	Source string `yaml:"-"`
}

// BundleRule is the on-disk form of one rule.
type BundleRule struct {
	ID                 string   `yaml:"id"`
	RuleID             string   `yaml:"ruleId" validate:"required"`
	RuleName           string   `yaml:"ruleName" validate:"required"`
	Type               string   `yaml:"type" validate:"omitempty,eq=asset"`
	Description        string   `yaml:"description"`
	Severity           string   `yaml:"severity" validate:"required,severity"`
	Enabled            *bool    `yaml:"enabled"`
	ManualControl      bool     `yaml:"manualControl"`
	SQL                string   `yaml:"sql"`
	Eval               string   `yaml:"eval"`
	Remediation        string   `yaml:"remediation"`
	RemediationDocURLs []string `yaml:"remediationDocURLs" validate:"dive,url"`
	ResourceTypes      []string `yaml:"resourceTypes" validate:"dive,required"`
	Version            string   `yaml:"version"`
}

var bundleExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// DecodeBundle decodes a single YAML or JSON policy document.
func DecodeBundle(source string, data []byte) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle %s: %w", source, err)
	}
	b.Source = source
	return b, nil
}

// ReadBundles reads every bundle under the given files or directories.
// Directories are walked recursively; only .yaml, .yml and .json files load.
func ReadBundles(paths ...string) ([]Bundle, error) {
	var bundles []Bundle
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat bundle path %s: %w", root, err)
		}

		if !info.IsDir() {
			b, err := readBundleFile(root)
			if err != nil {
				return nil, err
			}
			bundles = append(bundles, b)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !bundleExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			if err := validateFilePath(root, path); err != nil {
				return fmt.Errorf("invalid file path %s: %w", path, err)
			}
			b, err := readBundleFile(path)
			if err != nil {
				return err
			}
			bundles = append(bundles, b)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return bundles, nil
}

func readBundleFile(path string) (Bundle, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- bundle paths are operator input
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return DecodeBundle(path, data)
}

func validateFilePath(root, path string) error {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}
	return nil
}
