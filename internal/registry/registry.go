// Package registry persists the set of configured servers and the single
// active selection. The selection is explicit state owned by whoever holds
// the Registry; nothing reads or writes it ambiently.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcman/pkg/logx"
)

// Flavor is the configured server runtime variant.
type Flavor string

const (
	FlavorPaper      Flavor = "paper"
	FlavorPurpur     Flavor = "purpur"
	FlavorVanilla    Flavor = "vanilla"
	FlavorFabric     Flavor = "fabric"
	FlavorQuilt      Flavor = "quilt"
	FlavorPocketmine Flavor = "pocketmine"
)

// Family is the runtime family a flavor launches under.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyJava
	FamilyPHP
)

func (f Flavor) Family() Family {
	switch f {
	case FlavorPaper, FlavorPurpur, FlavorVanilla, FlavorFabric, FlavorQuilt:
		return FamilyJava
	case FlavorPocketmine:
		return FamilyPHP
	}
	return FamilyUnknown
}

func ParseFlavor(s string) (Flavor, error) {
	f := Flavor(strings.ToLower(strings.TrimSpace(s)))
	if f.Family() == FamilyUnknown {
		return "", fmt.Errorf("unknown server flavor %q", s)
	}
	return f, nil
}

// Server is one configured server definition.
type Server struct {
	Flavor      Flavor            `json:"flavor,omitempty"`
	Version     string            `json:"version,omitempty"`
	RAMMB       int               `json:"ram_mb,omitempty"`
	AutoRestart bool              `json:"auto_restart,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Configured reports whether the definition carries enough to launch.
func (s Server) Configured() bool { return s.Flavor != "" && s.Version != "" }

type fileShape struct {
	Servers map[string]Server `json:"servers"`
	Current string            `json:"current_server,omitempty"`
}

// Registry is the persisted server list plus active selection.
type Registry struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	servers map[string]Server
	current string
}

// Load reads the registry file. A corrupt file is moved aside to a
// timestamped .bak and the registry starts fresh with a logged error.
func Load(path string, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{path: path, log: log, servers: map[string]Server{}}

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("registry unreadable, starting fresh", logx.String("path", path), logx.Err(err))
		}
		return r
	}
	var fs fileShape
	if err := json.Unmarshal(b, &fs); err != nil {
		bak := fmt.Sprintf("%s.bak_%d", path, time.Now().Unix())
		if mvErr := os.Rename(path, bak); mvErr == nil {
			r.log.Error("registry corrupted, moved aside", logx.String("path", path), logx.String("backup", bak), logx.Err(err))
		} else {
			r.log.Error("registry corrupted", logx.String("path", path), logx.Err(err))
		}
		return r
	}
	if fs.Servers != nil {
		r.servers = fs.Servers
	}
	if _, ok := r.servers[fs.Current]; ok {
		r.current = fs.Current
	}
	return r
}

func (r *Registry) saveLocked() error {
	fs := fileShape{Servers: r.servers, Current: r.current}
	b, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// List returns the configured server names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.servers))
	for n := range r.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Get(name string) (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[name]
	return s, ok
}

// Put creates or replaces a server definition and persists.
func (r *Registry) Put(name string, s Server) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = s
	return r.saveLocked()
}

// Remove deletes a server definition. Removing the active server clears the
// selection.
func (r *Registry) Remove(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return false, nil
	}
	delete(r.servers, name)
	if r.current == name {
		r.current = ""
	}
	return true, r.saveLocked()
}

// Current returns the active server name, if one is selected.
func (r *Registry) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// SetCurrent selects the active server. An empty name clears the selection.
func (r *Registry) SetCurrent(name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != "" {
		if _, ok := r.servers[name]; !ok {
			return fmt.Errorf("unknown server %q", name)
		}
	}
	r.current = name
	return r.saveLocked()
}
