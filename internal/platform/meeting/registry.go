package meeting

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ErrNoSetting is returned by a SettingsStore when a facility has no
// provider preference.
var ErrNoSetting = errors.New("no meeting provider setting")

// SettingsStore reads the per-facility provider preference.
type SettingsStore interface {
	ProviderFor(ctx context.Context, facilityID uuid.UUID) (Kind, error)
}

// Registry resolves providers by kind and by facility.
type Registry struct {
	providers map[Kind]Provider
	settings  SettingsStore
	fallback  Kind
}

// NewRegistry builds a registry over providers. fallback is used for
// facilities without a stored preference and must be registered.
func NewRegistry(fallback Kind, settings SettingsStore, providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[Kind]Provider, len(providers)),
		settings:  settings,
		fallback:  fallback,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, dup := r.providers[p.Kind()]; dup {
			return nil, fmt.Errorf("meeting provider %q registered twice", p.Kind())
		}
		r.providers[p.Kind()] = p
	}
	if _, ok := r.providers[fallback]; !ok {
		return nil, fmt.Errorf("%w: default %q is not configured", ErrUnknownProvider, fallback)
	}
	return r, nil
}

// Get returns the provider for kind.
func (r *Registry) Get(kind Kind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return p, nil
}

// ForFacility returns the provider the facility is configured to use, or the
// default when it has no preference.
func (r *Registry) ForFacility(ctx context.Context, facilityID uuid.UUID) (Provider, error) {
	if r.settings == nil {
		return r.Get(r.fallback)
	}
	kind, err := r.settings.ProviderFor(ctx, facilityID)
	if errors.Is(err, ErrNoSetting) {
		return r.Get(r.fallback)
	}
	if err != nil {
		return nil, fmt.Errorf("load meeting provider setting: %w", err)
	}
	return r.Get(kind)
}

// Kinds lists the registered provider kinds in name order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind validates a provider name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindZoom, KindDaily:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}
