package nodectl

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"gopkg.in/yaml.v3"

	"github.com/tetherguard/tether/internal/model"
)

// ErrNodeExists is returned when adding a node whose name is taken.
var ErrNodeExists = errors.New("nodectl: node already exists")

// ErrNodeNotFound is returned for operations on an unknown node.
var ErrNodeNotFound = errors.New("nodectl: node not found")

// Registry is the durable node set. Reads are lock-free; mutations persist
// the whole set to a YAML file under a write lock.
type Registry struct {
	writeMu sync.Mutex
	path    string
	nodes   *xsync.Map[string, model.NodeDescriptor]
	health  *xsync.Map[string, model.NodeHealth]
}

type registryFile struct {
	Nodes []model.NodeDescriptor `yaml:"nodes"`
}

// OpenRegistry loads the node set from path. When the file does not exist
// the registry starts from seed (typically parsed from the environment) and
// persists it.
func OpenRegistry(path string, seed []model.NodeDescriptor) (*Registry, error) {
	r := &Registry{
		path:   path,
		nodes:  xsync.NewMap[string, model.NodeDescriptor](),
		health: xsync.NewMap[string, model.NodeHealth](),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		for _, n := range seed {
			r.nodes.Store(n.Name, n)
		}
		if len(seed) > 0 {
			if err := r.persist(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("nodectl: read registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("nodectl: parse registry %s: %w", path, err)
	}
	for _, n := range file.Nodes {
		r.nodes.Store(n.Name, n)
	}
	return r, nil
}

// List returns all nodes ordered by name.
func (r *Registry) List() []model.NodeDescriptor {
	var out []model.NodeDescriptor
	r.nodes.Range(func(_ string, n model.NodeDescriptor) bool {
		out = append(out, n)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the node with the given name.
func (r *Registry) Get(name string) (model.NodeDescriptor, bool) {
	return r.nodes.Load(name)
}

// Add registers a new node and persists the set.
func (r *Registry) Add(n model.NodeDescriptor) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.nodes.Load(n.Name); ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.Name)
	}
	r.nodes.Store(n.Name, n)
	return r.persist()
}

// Update replaces an existing node's address or port and persists the set.
func (r *Registry) Update(n model.NodeDescriptor) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.nodes.Load(n.Name); !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, n.Name)
	}
	r.nodes.Store(n.Name, n)
	return r.persist()
}

// Remove deletes a node and its health record and persists the set.
func (r *Registry) Remove(name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.nodes.Load(name); !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	r.nodes.Delete(name)
	r.health.Delete(name)
	return r.persist()
}

// SetHealth records the outcome of a health probe.
func (r *Registry) SetHealth(h model.NodeHealth) {
	r.health.Store(h.Name, h)
}

// HealthOf returns the last probe result for a node. Nodes never probed
// report offline with a zero CheckedAt.
func (r *Registry) HealthOf(name string) model.NodeHealth {
	if h, ok := r.health.Load(name); ok {
		return h
	}
	return model.NodeHealth{Name: name}
}

// HealthAll returns the health of every registered node, ordered by name.
func (r *Registry) HealthAll() []model.NodeHealth {
	nodes := r.List()
	out := make([]model.NodeHealth, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, r.HealthOf(n.Name))
	}
	return out
}

// OnlineCount returns how many nodes were online at their last probe within
// the staleness bound.
func (r *Registry) OnlineCount(staleAfter time.Duration, now time.Time) int {
	count := 0
	r.health.Range(func(_ string, h model.NodeHealth) bool {
		if h.Online && now.Sub(h.CheckedAt) < staleAfter {
			count++
		}
		return true
	})
	return count
}

func (r *Registry) persist() error {
	file := registryFile{Nodes: r.List()}
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("nodectl: encode registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("nodectl: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("nodectl: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("nodectl: rename %s: %w", tmp, err)
	}
	return nil
}
