package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Talon396/owlOS/sim/platform"
)

// Environment variables read by vmsim. A .env file in the working directory
// provides defaults, the process environment overrides it and flags override
// both.
const (
	EnvPhysBytes   = "OWL_PHYS_BYTES"
	EnvMemoryMap   = "OWL_MEMMAP"
	EnvRecord      = "OWL_RECORD"
	EnvBacking     = "OWL_BACKING"
	EnvMonitorPort = "OWL_MONITOR_PORT"
)

// Config is the machine and output configuration of one vmsim run.
type Config struct {
	PhysBytes   uint64
	MemoryMap   string
	Record      string
	Backing     platform.Backing
	MonitorPort int
}

func defaultConfig() Config {
	return Config{
		PhysBytes: 64 << 20,
		Backing:   platform.BackingSparse,
	}
}

// loadEnv reads envFile, if it exists, and overlays the process environment.
func loadEnv(envFile string) (map[string]string, error) {
	env, err := godotenv.Read(envFile)
	if errors.Is(err, fs.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}

	for _, key := range []string{
		EnvPhysBytes, EnvMemoryMap, EnvRecord, EnvBacking, EnvMonitorPort,
	} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}

	return env, nil
}

func parseConfig(env map[string]string) (Config, error) {
	c := defaultConfig()

	if v := env[EnvPhysBytes]; v != "" {
		n, err := parseSize(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvPhysBytes, err)
		}

		c.PhysBytes = n
	}

	c.MemoryMap = env[EnvMemoryMap]
	c.Record = env[EnvRecord]

	if v := env[EnvBacking]; v != "" {
		c.Backing = platform.Backing(strings.ToLower(v))
	}

	if v := env[EnvMonitorPort]; v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvMonitorPort, err)
		}

		c.MonitorPort = port
	}

	return c, nil
}

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
}

// parseSize reads a byte count such as 4096, 0x1000, 64M or 1GiB.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	shift := uint(0)
	for _, unit := range sizeSuffixes {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSuffix(s, unit.suffix)
			shift = unit.shift

			break
		}
	}

	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, err
	}

	if n<<shift>>shift != n {
		return 0, fmt.Errorf("size %s overflows", s)
	}

	return n << shift, nil
}
