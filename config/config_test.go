package config_test

import (
	"os"
	"testing"

	"github.com/go-uhyve/uhyve/config"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"MEM", "CPUS", "VERBOSE", "NETIF", "IP", "GATEWAY", "MASK",
		"MERGEABLE", "HUGEPAGE", "CHECKPOINT", "FULLCHECKPOINT",
		"MIGRATION_SERVER", "MIGRATION_SUPPORT", "MIGRATION_PARAMS", "PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	c, err := config.FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if c.MemSize != 512<<20 {
		t.Errorf("default MemSize = %d, want %d", c.MemSize, 512<<20)
	}

	if c.NCPUs != 1 {
		t.Errorf("default NCPUs = %d, want 1", c.NCPUs)
	}

	if c.Verbose {
		t.Error("Verbose should default to false")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEM", "2G")
	t.Setenv("CPUS", "4")
	t.Setenv("VERBOSE", "1")
	t.Setenv("IP", "10.0.0.2")

	c, err := config.FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if c.MemSize != 2<<30 {
		t.Errorf("MemSize = %d, want %d", c.MemSize, 2<<30)
	}

	if c.NCPUs != 4 {
		t.Errorf("NCPUs = %d, want 4", c.NCPUs)
	}

	if !c.Verbose {
		t.Error("Verbose should be true")
	}

	if c.IP.String() != "10.0.0.2" {
		t.Errorf("IP = %v, want 10.0.0.2", c.IP)
	}
}

func TestFromEnvInvalidMem(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEM", "not-a-size")

	if _, err := config.FromEnv(); err == nil {
		t.Fatal("expected an error for an invalid MEM value")
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"1024":  1024,
		"4K":    4 << 10,
		"1G":    1 << 30,
		"2g":    2 << 30,
		"1T":    1 << 40,
		"512M":  512 << 20,
		"0x100": 0x100,
	}

	for in, want := range cases {
		got, err := config.ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}

		if got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestMigrationParams(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := dir + "/params.txt"

	if err := os.WriteFile(path, []byte("mode: live\ntype: tcp\nuse-odp: 1\nprefetch: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MIGRATION_PARAMS", path)

	c, err := config.FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if c.MigrationParams.Mode != "live" {
		t.Errorf("Mode = %q, want live", c.MigrationParams.Mode)
	}

	if c.MigrationParams.Type != "tcp" {
		t.Errorf("Type = %q, want tcp", c.MigrationParams.Type)
	}

	if !c.MigrationParams.UseODP {
		t.Error("UseODP should be true")
	}

	if c.MigrationParams.Prefetch {
		t.Error("Prefetch should be false")
	}
}
