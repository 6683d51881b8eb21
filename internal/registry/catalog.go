// Package registry is the static catalog of primitive modules. Entries come
// from module.yaml manifests laid out as <type>/<name>/module.yaml, either
// embedded in the binary or discovered in a modules directory at startup. The
// catalog never changes after it is built.
package registry

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/modreg/internal/module"
)

//go:embed builtin
var builtinFS embed.FS

const builtinPrefix = "builtin:"

// Logger receives discovery warnings. Matches the level-string callback used
// by plugin discovery so callers can route it to slog.
type Logger func(level, msg string, args ...any)

type entry struct {
	def  module.Definition
	data []byte
}

// Catalog holds primitive module definitions keyed by "type:name".
type Catalog struct {
	entries map[string]*entry
	order   []string
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Builtin returns the catalog of modules shipped with the binary.
func Builtin() (*Catalog, error) {
	c := New()
	root, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("open builtin catalog: %w", err)
	}
	if err := c.load(root, func(p string) string { return builtinPrefix + p }, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Load builds the builtin catalog and layers modulesDir on top of it when set.
func Load(modulesDir string, logger Logger) (*Catalog, error) {
	c, err := Builtin()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(modulesDir) == "" {
		return c, nil
	}
	if err := c.DiscoverDir(modulesDir, logger); err != nil {
		return nil, err
	}
	return c, nil
}

// DiscoverDir scans root for manifests. Invalid manifests are logged and
// skipped; a module already in the catalog keeps its first definition.
func (c *Catalog) DiscoverDir(root string, logger Logger) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve modules dir %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("modules dir does not exist: %s", absRoot)
		}
		return fmt.Errorf("stat modules dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("modules dir is not a directory: %s", absRoot)
	}
	return c.load(os.DirFS(absRoot), func(p string) string { return filepath.Join(absRoot, filepath.FromSlash(p)) }, logger)
}

func (c *Catalog) load(fsys fs.FS, resource func(string) string, logger Logger) error {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	var paths []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk module catalog: %w", err)
	}
	sort.Strings(paths)

	for _, p := range paths {
		parts := strings.Split(path.Dir(p), "/")
		if len(parts) != 2 {
			logger("warn", "manifest outside <type>/<name>/ layout ignored", "path", p)
			continue
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			logger("warn", "failed to read manifest", "path", p, "error", err.Error())
			continue
		}
		m, t, err := parseManifest(data, parts[0], parts[1])
		if err != nil {
			logger("warn", "failed to load module manifest", "path", p, "error", err.Error())
			continue
		}
		def := module.Primitive(m.Name, t, resource(p), m.Description)
		if err := c.add(&entry{def: def, data: data}); err != nil {
			logger("warn", "duplicate module ignored (keeping first)", "module", def.Key(), "path", p)
			continue
		}
		logger("debug", "module registered", "module", def.Key(), "resource", def.Resource)
	}
	return nil
}

func (c *Catalog) add(e *entry) error {
	key := e.def.Key()
	if _, exists := c.entries[key]; exists {
		return fmt.Errorf("module %s already registered", key)
	}
	c.entries[key] = e
	c.order = append(c.order, key)
	sort.SliceStable(c.order, func(i, j int) bool {
		return module.Less(c.entries[c.order[i]].def.Reference(), c.entries[c.order[j]].def.Reference())
	})
	return nil
}

// Len is the number of primitive modules.
func (c *Catalog) Len() int { return len(c.order) }

// FindDefinition returns the primitive with the exact name and type.
func (c *Catalog) FindDefinition(name string, t module.Type) (module.Definition, bool) {
	e, ok := c.entries[module.Key(name, t)]
	if !ok {
		return module.Definition{}, false
	}
	return e.def, true
}

// FindDefinitions returns every primitive, ordered by type rank then name.
func (c *Catalog) FindDefinitions() []module.Definition {
	return c.filter(func(module.Definition) bool { return true })
}

// FindDefinitionsByName returns the primitives called name, one per type.
func (c *Catalog) FindDefinitionsByName(name string) []module.Definition {
	return c.filter(func(d module.Definition) bool { return d.Name == name })
}

// FindDefinitionsByType returns the primitives of type t.
func (c *Catalog) FindDefinitionsByType(t module.Type) []module.Definition {
	return c.filter(func(d module.Definition) bool { return d.Type == t })
}

// Open returns the raw manifest bytes of a primitive.
func (c *Catalog) Open(name string, t module.Type) ([]byte, error) {
	e, ok := c.entries[module.Key(name, t)]
	if !ok {
		return nil, module.NotFound(name, t)
	}
	return append([]byte(nil), e.data...), nil
}

func (c *Catalog) filter(keep func(module.Definition) bool) []module.Definition {
	out := make([]module.Definition, 0, len(c.order))
	for _, key := range c.order {
		if d := c.entries[key].def; keep(d) {
			out = append(out, d)
		}
	}
	return out
}
