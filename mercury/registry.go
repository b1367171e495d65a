package mercury

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// Registry maps short device keys to fully qualified instrument addresses,
// e.g. "db7" -> "DEV:DB7.T1:TEMP". It is populated at construction and
// read-only afterwards.
type Registry struct {
	devices map[string]string
}

// NewRegistry creates a Registry from the given key-to-address mapping.
// The mapping is copied; later changes to the argument do not affect the
// registry.
func NewRegistry(devices map[string]string) *Registry {
	m := make(map[string]string, len(devices))
	for k, v := range devices {
		m[k] = v
	}
	return &Registry{devices: m}
}

// DefaultRegistry returns the sensor board layout of the reference setup:
// two daughter boards and one motherboard temperature sensor.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]string{
		"db7": "DEV:DB7.T1:TEMP",
		"db6": "DEV:DB6.T1:TEMP",
		"mb1": "DEV:MB1.T1:TEMP",
	})
}

// registryFile is the on-disk TOML shape accepted by RegistryFromTOML.
type registryFile struct {
	Devices map[string]string `toml:"devices"`
}

// RegistryFromTOML loads a Registry from a TOML file with a [devices] table
// of key = "address" pairs.
func RegistryFromTOML(path string) (*Registry, error) {
	var raw registryFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("mercury: load registry: %w", err)
	}
	if len(raw.Devices) == 0 {
		return nil, fmt.Errorf("mercury: load registry: no [devices] table in %s", path)
	}
	return NewRegistry(raw.Devices), nil
}

// Lookup resolves a device key to its instrument address. It returns an
// error wrapping ErrUnknownDevice when the key is absent.
func (r *Registry) Lookup(key string) (string, error) {
	addr, ok := r.devices[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, key)
	}
	return addr, nil
}

// Keys returns the configured device keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.devices))
	for k := range r.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
