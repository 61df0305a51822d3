package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult holds the merged configuration plus resolved listen
// address and DB path, and which source won ("flags", "config", or "env").
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string
}

// ParseConfigFlags parses command-line flags and returns them as a Flags struct.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "status HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// applyEnv overlays PROJECTD_* environment variables onto cfg and reports
// whether any were used.
func applyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("PROJECTD_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("PROJECTD_DB_PATH"); v != "" {
		used = true
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("PROJECTD_FEEDLOG_DIR"); v != "" {
		used = true
		cfg.Feedlog.Dir = v
	}
	if v := os.Getenv("PROJECTD_HTTP_ENGINE"); v != "" {
		used = true
		cfg.Server.Engine = strings.ToLower(strings.TrimSpace(v))
	}
	return used
}

// LoadEffective loads the config file (if present), overlays env vars and
// explicit flags (flags win), validates, and returns the effective result.
func LoadEffective(flags Flags) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	cfg := &Config{}
	fileExists := false
	cfgPath := flags.Config
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := Load(cfgPath)
		if err != nil {
			return res, err
		}
		cfg = loaded
		fileExists = true
	} else if flags.Set["config"] {
		return res, fmt.Errorf("config file %s not found", flags.Config)
	}

	envUsed := applyEnv(cfg)

	if flags.Set["addr"] {
		cfg.Server.Address = flags.Addr
		cfg.Server.Port = 0
	}
	if flags.Set["db"] {
		cfg.Server.DBPath = flags.DB
	}

	if err := ValidateConfig(cfg); err != nil {
		return res, err
	}

	res.Config = cfg
	res.Addr = cfg.Addr()
	if res.Addr == "" {
		res.Addr = ":8080"
	}
	res.DBPath = cfg.Server.DBPath
	switch {
	case flags.Set["addr"] || flags.Set["db"]:
		res.Source = "flags"
	case fileExists:
		res.Source = "config"
	case envUsed:
		res.Source = "env"
	default:
		res.Source = "config"
	}
	return res, nil
}
