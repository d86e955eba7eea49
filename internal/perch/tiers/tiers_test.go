package tiers_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/perch-run/perch/internal/perch/tiers"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := tiers.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	free := c.Limits(tiers.TierFree)
	if free.MaxConcurrent != 1 || free.MemoryMB != 1024 {
		t.Errorf("free limits = %+v", free)
	}
	premium := c.Limits(tiers.TierPremium)
	if premium.MemoryMB <= free.MemoryMB {
		t.Errorf("premium memory (%d) not above free (%d)", premium.MemoryMB, free.MemoryMB)
	}
	if c.FreePool.Provider == "" || c.FreePool.Model == "" {
		t.Errorf("free pool = %+v", c.FreePool)
	}
}

func TestLimitsUnknownTierFallsBackToFree(t *testing.T) {
	c, err := tiers.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if got := c.Limits(tiers.Tier("enterprise")); got != c.Limits(tiers.TierFree) {
		t.Errorf("unknown tier limits = %+v", got)
	}
}

func TestLoadOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	catalog := `
tiers:
  free:
    maxConcurrent: 1
    memoryMB: 512
    cpus: 0.5
  pro:
    maxConcurrent: 4
    memoryMB: 4096
    cpus: 2.0
  premium:
    maxConcurrent: 16
    memoryMB: 8192
    cpus: 4.0
freePool:
  provider: openrouter
  model: meta-llama/llama-3.3-70b-instruct
`
	if err := os.WriteFile(path, []byte(catalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := tiers.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Limits(tiers.TierPro).MemoryMB; got != 4096 {
		t.Errorf("pro memoryMB = %d", got)
	}
}

func TestLoadRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing tier",
			yaml:    "tiers:\n  free: {maxConcurrent: 1, memoryMB: 512, cpus: 1}\nfreePool: {provider: a, model: b}\n",
			wantErr: "missing tier",
		},
		{
			name: "tiny memory",
			yaml: `
tiers:
  free: {maxConcurrent: 1, memoryMB: 64, cpus: 1}
  pro: {maxConcurrent: 1, memoryMB: 512, cpus: 1}
  premium: {maxConcurrent: 1, memoryMB: 512, cpus: 1}
freePool: {provider: a, model: b}
`,
			wantErr: "memoryMB",
		},
		{
			name: "no pool",
			yaml: `
tiers:
  free: {maxConcurrent: 1, memoryMB: 512, cpus: 1}
  pro: {maxConcurrent: 1, memoryMB: 512, cpus: 1}
  premium: {maxConcurrent: 1, memoryMB: 512, cpus: 1}
`,
			wantErr: "freePool",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tiers.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write catalog: %v", err)
			}
			_, err := tiers.Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Load = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestTierValid(t *testing.T) {
	if !tiers.TierPro.Valid() {
		t.Error("pro should be valid")
	}
	if tiers.Tier("gold").Valid() {
		t.Error("gold should not be valid")
	}
}
