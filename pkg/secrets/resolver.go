// Package secrets resolves secrets://[service/]key references from an
// ordered chain of pluggable backends and tracks every resolved value so
// outputs and logs can be masked before persistence.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// MaskPlaceholder is the stable replacement for sensitive substrings.
const MaskPlaceholder = "•••"

// Backend looks up one secret. service may be empty.
type Backend interface {
	Name() string
	Get(service, key string) (string, bool)
}

// Resolver chains backends in priority order: the first backend holding the
// key wins. Every value handed out is registered with the masker.
type Resolver struct {
	backends []Backend
	masker   *Masker
}

// NewResolver builds a resolver over the given backends.
func NewResolver(backends ...Backend) *Resolver {
	return &Resolver{backends: backends, masker: NewMasker()}
}

// Masker exposes the masker fed by this resolver.
func (r *Resolver) Masker() *Masker { return r.masker }

// Resolve parses "[service/]key" and queries the chain.
func (r *Resolver) Resolve(ref string) (string, error) {
	service, key := splitRef(ref)
	for _, b := range r.backends {
		if v, ok := b.Get(service, key); ok {
			r.masker.Register(v)
			return v, nil
		}
	}
	return "", fmt.Errorf("secrets: %q not found in any backend", ref)
}

func splitRef(ref string) (service, key string) {
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// Masker replaces known sensitive values in strings with a stable
// placeholder. Values shorter than 3 bytes are not registered to avoid
// masking unrelated text.
type Masker struct {
	mu     sync.RWMutex
	values []string
}

// NewMasker returns an empty masker.
func NewMasker() *Masker { return &Masker{} }

// Register adds a sensitive value.
func (m *Masker) Register(value string) {
	if len(value) < 3 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.values {
		if v == value {
			return
		}
	}
	m.values = append(m.values, value)
}

// Mask replaces every registered value occurring in s.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, MaskPlaceholder)
	}
	return s
}

// MaskValue masks string leaves of an output value recursively.
func (m *Masker) MaskValue(v any) any {
	switch t := v.(type) {
	case string:
		return m.Mask(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = m.MaskValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = m.MaskValue(e)
		}
		return out
	default:
		return v
	}
}

// EnvBackend reads DESKTOP_AGENT_SECRET_<SERVICE>_<KEY> (or
// DESKTOP_AGENT_SECRET_<KEY> without a service) from the environment.
type EnvBackend struct{}

func (EnvBackend) Name() string { return "env" }

func (EnvBackend) Get(service, key string) (string, bool) {
	name := "DESKTOP_AGENT_SECRET_"
	if service != "" {
		name += envToken(service) + "_"
	}
	name += envToken(key)
	v, ok := os.LookupEnv(name)
	return v, ok
}

func envToken(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}

// StaticBackend serves fixed values; used by tests and for config-injected
// secrets. Keys are "[service/]key".
type StaticBackend struct {
	name   string
	values map[string]string
}

// NewStaticBackend builds a static backend.
func NewStaticBackend(name string, values map[string]string) *StaticBackend {
	return &StaticBackend{name: name, values: values}
}

func (s *StaticBackend) Name() string { return s.name }

func (s *StaticBackend) Get(service, key string) (string, bool) {
	ref := key
	if service != "" {
		ref = service + "/" + key
	}
	v, ok := s.values[ref]
	return v, ok
}

// KeychainProvider is implemented by the OS adapter when the host keychain
// is reachable.
type KeychainProvider interface {
	KeychainGet(service, key string) (string, bool)
}

// KeychainBackend adapts a KeychainProvider into the backend chain.
type KeychainBackend struct{ Provider KeychainProvider }

func (KeychainBackend) Name() string { return "keychain" }

func (k KeychainBackend) Get(service, key string) (string, bool) {
	if k.Provider == nil {
		return "", false
	}
	return k.Provider.KeychainGet(service, key)
}
