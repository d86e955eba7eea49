// Package tiers defines the subscription tier catalog: per-tier resource
// ceilings and the pooled free-tier provider.
//
// The catalog ships with an embedded default and may be overridden with an
// operator-supplied YAML file. The pooled API key itself is never part of the
// catalog; it is read from the environment so the file stays secret-free.
package tiers

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierPremium:
		return true
	}
	return false
}

//go:embed default.yaml
var defaultCatalog []byte

// Limits are the resource ceilings applied to a tier's containers.
type Limits struct {
	// MaxConcurrent bounds concurrent agent runs inside the runtime.
	MaxConcurrent int `yaml:"maxConcurrent"`
	// MemoryMB is the container memory ceiling in megabytes.
	MemoryMB int64 `yaml:"memoryMB"`
	// CPUs is the container CPU ceiling (1.0 = one core).
	CPUs float64 `yaml:"cpus"`
}

// FreePool names the operator-pooled provider and model substituted for
// free-tier tenants.
type FreePool struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Catalog is the full tier definition set.
type Catalog struct {
	Tiers    map[Tier]Limits `yaml:"tiers"`
	FreePool FreePool        `yaml:"freePool"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the embedded default when path
// is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tiers: read %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tiers: parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	for _, tier := range []Tier{TierFree, TierPro, TierPremium} {
		lim, ok := c.Tiers[tier]
		if !ok {
			return fmt.Errorf("catalog is missing tier %q", tier)
		}
		if lim.MaxConcurrent < 1 {
			return fmt.Errorf("tier %q: maxConcurrent must be >= 1", tier)
		}
		if lim.MemoryMB < 128 {
			return fmt.Errorf("tier %q: memoryMB must be >= 128", tier)
		}
		if lim.CPUs <= 0 {
			return fmt.Errorf("tier %q: cpus must be > 0", tier)
		}
	}
	if c.FreePool.Provider == "" || c.FreePool.Model == "" {
		return fmt.Errorf("freePool.provider and freePool.model must be set")
	}
	return nil
}

// Limits returns the ceilings for tier, falling back to the free tier's for
// unknown values so a stale subscription record cannot unlock resources.
func (c *Catalog) Limits(tier Tier) Limits {
	if lim, ok := c.Tiers[tier]; ok {
		return lim
	}
	return c.Tiers[TierFree]
}
