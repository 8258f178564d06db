package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rescueplan/models"
)

// YAMLProvider reads knowledge from YAML files. A directory path loads
// every .yaml and .yml file in it, in name order.
type YAMLProvider struct {
	paths []string
}

// NewYAMLProvider creates a provider over files or directories.
func NewYAMLProvider(paths ...string) *YAMLProvider {
	return &YAMLProvider{paths: paths}
}

// Load reads, merges and validates every file. Unknown keys are errors.
func (p *YAMLProvider) Load(ctx context.Context) (*Knowledge, error) {
	if len(p.paths) == 0 {
		return nil, models.NewConfigurationError("yaml", errors.New("no knowledge files configured"))
	}
	files, err := expand(p.paths)
	if err != nil {
		return nil, err
	}

	k := &Knowledge{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, models.NewConfigurationError(file, err)
		}
		part, err := DecodeKnowledge(data)
		if err != nil {
			return nil, models.NewConfigurationError(file, err)
		}
		k.merge(part)
	}

	if err := Validate(k); err != nil {
		return nil, err
	}
	return k, nil
}

// DecodeKnowledge decodes one YAML document stream. Multiple documents in
// one stream are merged.
func DecodeKnowledge(data []byte) (*Knowledge, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	k := &Knowledge{}
	for {
		var part Knowledge
		err := dec.Decode(&part)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode knowledge: %w", err)
		}
		k.merge(&part)
	}
	return k, nil
}

// LoadInventory reads a YAML resource list, either a top-level sequence or
// a mapping with a resources key.
func LoadInventory(path string) ([]models.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}

	var doc struct {
		Resources []models.Resource `yaml:"resources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var list []models.Resource
		if err2 := yaml.Unmarshal(data, &list); err2 != nil {
			return nil, fmt.Errorf("failed to decode inventory %s: %w", path, err)
		}
		doc.Resources = list
	}

	seen := make(map[string]bool, len(doc.Resources))
	for i, r := range doc.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("inventory %s: resource %d has no id", path, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("inventory %s: duplicate resource %s", path, r.ID)
		}
		seen[r.ID] = true
		if r.Status == "" {
			doc.Resources[i].Status = models.ResourceAvailable
		}
		if r.Version == 0 {
			doc.Resources[i].Version = 1
		}
	}
	return doc.Resources, nil
}

func expand(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, models.NewConfigurationError(path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, models.NewConfigurationError(path, err)
		}
		var names []string
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			files = append(files, filepath.Join(path, n))
		}
	}
	if len(files) == 0 {
		return nil, models.NewConfigurationError(strings.Join(paths, ","), errors.New("no knowledge files found"))
	}
	return files, nil
}
