package backend

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Factory creates backends of one kind.
type Factory interface {
	// Name returns the name the backend is registered under.
	Name() string
	// New creates an uninitialized backend.
	New() Backend
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc struct {
	BackendName string
	Create      func() Backend
}

func (f FactoryFunc) Name() string { return f.BackendName }
func (f FactoryFunc) New() Backend { return f.Create() }

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register registers a backend factory. Backend packages call Register
// once, from init. Registering a name twice replaces the older factory.
func Register(f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[f.Name()]; ok {
		Logger().Warn("backend replaced", "name", f.Name())
	} else {
		Logger().Debug("backend registered", "name", f.Name())
	}
	factories[f.Name()] = f
}

// Backends returns the names of the registered backends, sorted.
func Backends() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a backend by name.
func Open(name string) (Backend, error) {
	mu.Lock()
	f, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "no backend named %q", name)
	}
	return f.New(), nil
}
