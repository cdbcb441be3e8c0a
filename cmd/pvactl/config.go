package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pvagate/internal/settings"
	"github.com/spf13/pflag"
)

// fileConfig is the TOML layout read by --config.
type fileConfig struct {
	Admin       string         `toml:"admin"`
	CorsOrigins []string       `toml:"cors_origins"`
	Timeout     string         `toml:"timeout"`
	Wait        string         `toml:"wait"`
	Settings    map[string]any `toml:"settings"`
	PVs         map[string]any `toml:"pvs"`
}

type cliConfig struct {
	Overrides   settings.Overrides
	Admin       string
	CorsOrigins []string
	Timeout     time.Duration
	Wait        time.Duration
	PVs         map[string]any
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Overrides: settings.Overrides{},
		Timeout:   5 * time.Second,
		Wait:      2 * time.Second,
		PVs:       map[string]any{},
	}
}

// loadConfig layers the file at path over the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cliConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("admin") {
		cfg.Admin = strings.TrimSpace(raw.Admin)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}

	if meta.IsDefined("wait") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Wait))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse wait: %w", err)
		}
		cfg.Wait = d
	}

	if meta.IsDefined("settings") {
		for key, v := range raw.Settings {
			cfg.Overrides[settingKey(key)] = settingString(v)
		}
	}

	if meta.IsDefined("pvs") {
		for name, v := range raw.PVs {
			cfg.PVs[name] = normalizeTOMLValue(v)
		}
	}

	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cfg *cliConfig, flags *pflag.FlagSet) error {
	if flags.Changed("admin") {
		v, _ := flags.GetString("admin")
		cfg.Admin = strings.TrimSpace(v)
	}
	if flags.Changed("cors-origin") {
		v, _ := flags.GetStringSlice("cors-origin")
		cfg.CorsOrigins = normalizeList(v)
	}
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("wait") {
		cfg.Wait, _ = flags.GetDuration("wait")
	}
	if flags.Changed("set") {
		sets, _ := flags.GetStringArray("set")
		for _, kv := range sets {
			key, val, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return fmt.Errorf("--set %q: want KEY=VALUE", kv)
			}
			cfg.Overrides[settingKey(key)] = strings.TrimSpace(val)
		}
	}
	return nil
}

// settingKey accepts EPICS_PVA_ADDR_LIST, pvas_tls_port and addr_list
// style names.
func settingKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	switch {
	case strings.HasPrefix(key, "EPICS_"):
		return key
	case strings.HasPrefix(key, "PVA_"), strings.HasPrefix(key, "PVAS_"):
		return "EPICS_" + key
	default:
		return "EPICS_PVA_" + key
	}
}

func settingString(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, settingString(item))
		}
		return strings.Join(parts, " ")
	case bool:
		if t {
			return "YES"
		}
		return "NO"
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
