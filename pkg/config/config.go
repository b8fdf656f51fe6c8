package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Load reads a JSON config file and returns it as a flat map. Nested
// objects are flattened with underscores, so
//
//	{"indexing_server": {"ip": "127.0.0.1", "port": 5000}}
//
// yields the keys "indexing_server_ip" and "indexing_server_port".
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw map[string]interface{}
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg := make(map[string]interface{}, len(raw))
	flatten("", raw, cfg)
	return cfg, nil
}

func flatten(prefix string, in, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// lookup finds the config value for a flag name. Keys may use hyphens or
// underscores ("log-level" and "log_level" both match -log-level).
func lookup(cfg map[string]interface{}, name string) (string, bool) {
	val, ok := cfg[name]
	if !ok {
		val, ok = cfg[strings.ReplaceAll(name, "-", "_")]
	}
	if !ok {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

// ApplyToFlags overrides flag defaults from config for any flag not
// explicitly set on the command line. Call this AFTER flag.Parse().
func ApplyToFlags(cfg map[string]interface{}) {
	ApplyToFlagSet(flag.CommandLine, cfg)
}

// ApplyToFlagSet is ApplyToFlags for a specific flag set.
func ApplyToFlagSet(fs *flag.FlagSet, cfg map[string]interface{}) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		if v, ok := lookup(cfg, f.Name); ok {
			f.Value.Set(v)
		}
	})
}

// ApplyToPFlags does the same for a pflag set, as used by cobra commands.
// Flags marked Changed are left alone.
func ApplyToPFlags(fs *pflag.FlagSet, cfg map[string]interface{}) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || err != nil {
			return
		}
		if v, ok := lookup(cfg, f.Name); ok {
			if serr := f.Value.Set(v); serr != nil {
				err = fmt.Errorf("config key %q: %w", f.Name, serr)
			}
		}
	})
	return err
}
