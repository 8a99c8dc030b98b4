package runner

import (
	"fmt"
	"net/http"
	"sync"
)

// Factory constructs a Runner from its config descriptor and the process's
// shared HTTP client. Registered per "kind" — one adaptor type per CI
// backend — and looked up when the configuration layer builds the Runner
// Set.
type Factory func(cfg Config, httpClient *http.Client) (Runner, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a Factory available under kind. Adaptor packages call this
// from an init() function (see github.go, manual.go).
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New builds a Runner for cfg.Kind, or an error if no adaptor is registered
// for that kind.
func New(cfg Config, httpClient *http.Client) (Runner, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runner: unknown kind %q (available: %v)", cfg.Kind, Kinds())
	}
	return f(cfg, httpClient)
}

// Kinds returns the registered adaptor kinds, in no defined order, for
// New's unknown-kind error message.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	return kinds
}
