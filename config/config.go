// Package config resolves the environment-variable surface into a typed
// Config, generalizing the teacher's flag.ParseSize CLI-flag parsing to the
// env-var-driven interface this hypervisor presents instead.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-uhyve/uhyve/errkind"
)

const (
	defaultMemSize = 512 << 20
	defaultNCPUs   = 1

	// defaultMigrationPort: no header in the retrieval pack defines the
	// original's MIGRATION_PORT constant, so this is a stand-in default,
	// overridable via PORT.
	defaultMigrationPort = 1234
)

// Config is the fully resolved environment, read once at startup.
type Config struct {
	MemSize   int64
	NCPUs     int
	Verbose   bool
	NetIF     string
	IP        net.IP
	Gateway   net.IP
	Mask      net.IP
	Mergeable bool
	HugePage  bool

	CheckpointInterval int
	FullCheckpoint     bool

	MigrationServer  bool
	MigrationSupport net.IP
	MigrationParams  MigrationParams

	Port int
}

// MigrationParams mirrors the four lines a MIGRATION_PARAMS file may set;
// absent fields keep their zero value (live/tcp, no ODP/prefetch).
type MigrationParams struct {
	Mode     string
	Type     string
	UseODP   bool
	Prefetch bool
}

// FromEnv builds a Config from the process environment, per the external
// interface's variable list. It never partially applies a malformed value:
// any parse failure is reported and the caller should treat configuration
// as unusable.
func FromEnv() (*Config, error) {
	c := &Config{
		MemSize: defaultMemSize,
		NCPUs:   defaultNCPUs,
		Port:    defaultMigrationPort,
	}

	if v := os.Getenv("MEM"); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: MEM=%q: %w", errkind.ErrInvalidImage, v, err)
		}

		c.MemSize = size
	}

	if v := os.Getenv("CPUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: CPUS=%q must be a positive integer", errkind.ErrInvalidImage, v)
		}

		c.NCPUs = n
	}

	c.Verbose = envBool("VERBOSE")
	c.Mergeable = envBool("MERGEABLE")
	c.HugePage = envBool("HUGEPAGE")
	c.FullCheckpoint = envBool("FULLCHECKPOINT")
	c.MigrationServer = envBool("MIGRATION_SERVER")

	c.NetIF = os.Getenv("NETIF")

	var err error

	if c.IP, err = envIP("IP"); err != nil {
		return nil, err
	}

	if c.Gateway, err = envIP("GATEWAY"); err != nil {
		return nil, err
	}

	if c.Mask, err = envIP("MASK"); err != nil {
		return nil, err
	}

	if v := os.Getenv("CHECKPOINT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: CHECKPOINT=%q must be a non-negative integer", errkind.ErrInvalidImage, v)
		}

		c.CheckpointInterval = n
	}

	if v := os.Getenv("MIGRATION_SUPPORT"); v != "" {
		ip := net.ParseIP(v)
		if ip == nil {
			return nil, fmt.Errorf("%w: MIGRATION_SUPPORT=%q is not a valid IPv4 address", errkind.ErrInvalidImage, v)
		}

		c.MigrationSupport = ip
	}

	if v := os.Getenv("MIGRATION_PARAMS"); v != "" {
		params, err := parseMigrationParams(v)
		if err != nil {
			return nil, err
		}

		c.MigrationParams = params
	}

	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("%w: PORT=%q must be a valid TCP port", errkind.ErrInvalidImage, v)
		}

		c.Port = n
	}

	return c, nil
}

func envBool(name string) bool {
	v := os.Getenv(name)

	return v != "" && v != "0"
}

func envIP(name string) (net.IP, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}

	ip := net.ParseIP(v)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s=%q is not a valid IPv4 address", errkind.ErrInvalidImage, name, v)
	}

	return ip, nil
}

// ParseSize parses a MEM-style size string: a decimal number with an
// optional K/M/G/T/P/E suffix shifting by multiples of 1024, generalizing
// the teacher's g/m/k-only ParseSize to the full byte-unit ladder spec §6
// documents.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", errkind.ErrInvalidImage)
	}

	unit := s[len(s)-1]

	shift := map[byte]uint{
		'K': 10, 'k': 10,
		'M': 20, 'm': 20,
		'G': 30, 'g': 30,
		'T': 40, 't': 40,
		'P': 50, 'p': 50,
		'E': 60, 'e': 60,
	}

	digits := s

	sh, hasUnit := shift[unit]
	if hasUnit {
		digits = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(digits, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q: %w", errkind.ErrInvalidImage, s, err)
	}

	return int64(n) << sh, nil
}

// parseMigrationParams reads the plain-text mode:/type:/use-odp:/prefetch:
// line format spec §6 names.
func parseMigrationParams(path string) (MigrationParams, error) {
	f, err := os.Open(path)
	if err != nil {
		return MigrationParams{}, fmt.Errorf("%w: open MIGRATION_PARAMS %s: %w", errkind.ErrIoError, path, err)
	}
	defer f.Close()

	var p MigrationParams

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "mode":
			p.Mode = value
		case "type":
			p.Type = value
		case "use-odp":
			p.UseODP = value != "" && value != "0"
		case "prefetch":
			p.Prefetch = value != "" && value != "0"
		}
	}

	if err := scanner.Err(); err != nil {
		return MigrationParams{}, fmt.Errorf("%w: read MIGRATION_PARAMS %s: %w", errkind.ErrIoError, path, err)
	}

	return p, nil
}
