// Package config handles the two on-disk formats the controller depends
// on: the graph configuration YAML file (load/save of node records) and
// the track geometry text file the geometry classifier kernel consumes.
// Both support fsnotify-based hot-reload watching.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loopfield/fsrt/engine/models"
)

// NodeRecord is one entry in the graph configuration file: enough to
// recreate a models.NodeInstance on load, independent of build status.
type NodeRecord struct {
	TypeID   string         `yaml:"type_id"`
	Instance string         `yaml:"instance_id"`
	Nickname string         `yaml:"nickname"`
	Params   map[string]any `yaml:"params,omitempty"`
}

// GraphConfig is the top-level shape of the configuration file: a single
// "nodes" key mapping to an ordered list of node blobs.
type GraphConfig struct {
	Nodes []NodeRecord `yaml:"nodes"`
}

// LoadGraph reads a graph configuration file. A missing or invalid file
// is not an error: it yields an empty graph, per the configuration
// file's documented open semantics.
func LoadGraph(path string) (GraphConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return GraphConfig{}, nil
		}
		return GraphConfig{}, nil
	}

	var cfg GraphConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return GraphConfig{}, nil
	}
	for _, n := range cfg.Nodes {
		if n.TypeID == "" || n.Instance == "" {
			return GraphConfig{}, nil
		}
	}
	return cfg, nil
}

// SaveGraph writes cfg to path atomically: marshal to a sibling temp
// file, fsync, then rename over the destination. A reader never observes
// a partially written configuration file.
func SaveGraph(path string, cfg GraphConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal graph config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".graph-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}

// FromNodeInstances flattens the controller's in-memory node table into
// the save-file shape, in the order the caller provides (the controller
// sorts by instance ID before calling this).
func FromNodeInstances(nodes []NodeInstanceView) GraphConfig {
	out := GraphConfig{Nodes: make([]NodeRecord, 0, len(nodes))}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, NodeRecord{
			TypeID:   n.TypeID,
			Instance: n.ID.String(),
			Nickname: n.Nickname,
			Params:   n.Params,
		})
	}
	return out
}

// NodeInstanceView is the minimal shape FromNodeInstances needs, kept
// separate from models.NodeInstance so config never imports controller.
type NodeInstanceView struct {
	ID       models.InstanceID
	TypeID   string
	Nickname string
	Params   map[string]any
}
