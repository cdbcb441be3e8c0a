package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/pvagate/internal/settings"
	"github.com/danmuck/pvagate/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pvactl.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExampleConfig(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Admin != "127.0.0.1:9180" {
		t.Fatalf("admin = %q", cfg.Admin)
	}
	if cfg.Timeout != 3*time.Second || cfg.Wait != 1500*time.Millisecond {
		t.Fatalf("timeout = %v wait = %v", cfg.Timeout, cfg.Wait)
	}
	wantOverrides := settings.Overrides{
		settings.KeyAddrList:     "10.0.0.255 10.0.1.255",
		settings.KeyAutoAddrList: "NO",
		settings.KeyServerPort:   "5075",
		settings.KeyTLSPort:      "5077",
		settings.KeySendBuffer:   "32KiB",
	}
	if diff := cmp.Diff(wantOverrides, cfg.Overrides); diff != "" {
		t.Fatalf("overrides (-want +got):\n%s", diff)
	}
	wantPVs := map[string]any{
		"ring:current": 401.5,
		"ring:mode":    "top-up",
		"ring:bpm":     []any{int64(1), int64(2), int64(3)},
	}
	if diff := cmp.Diff(wantPVs, cfg.PVs); diff != "" {
		t.Fatalf("pvs (-want +got):\n%s", diff)
	}

	s, err := settings.Resolve(cfg.Overrides)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.AutoAddrList || len(s.AddrList) != 2 || s.SendBufferSize != 32*1024 {
		t.Fatalf("resolved settings: auto=%v addrs=%v send=%d", s.AutoAddrList, s.AddrList, s.SendBufferSize)
	}
}

func TestLoadConfigEmptyPathIsDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if diff := cmp.Diff(defaultCLIConfig(), cfg); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
}

func TestLoadConfigRejectsUnknownKeysAndBadDurations(t *testing.T) {
	testlog.Start(t)

	if _, err := loadConfig(writeConfig(t, "admni = \":9180\"\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := loadConfig(writeConfig(t, "timeout = \"soon\"\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadConfig(writeConfig(t, `
admin = ":9180"
timeout = "3s"

[settings]
server_port = 6000
addr_list = "10.0.0.255"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	root := newRootCommand()
	flags := root.PersistentFlags()
	if err := flags.Parse([]string{"--admin", ":9999", "--set", "EPICS_PVA_SERVER_PORT=7000", "--set", "send_buffer_size=8KiB"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := applyFlags(&cfg, flags); err != nil {
		t.Fatalf("apply flags: %v", err)
	}
	if cfg.Admin != ":9999" {
		t.Fatalf("admin = %q, flag should win", cfg.Admin)
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("timeout = %v, unset flag should keep the file value", cfg.Timeout)
	}
	want := settings.Overrides{
		settings.KeyServerPort: "7000",
		settings.KeyAddrList:   "10.0.0.255",
		settings.KeySendBuffer: "8KiB",
	}
	if diff := cmp.Diff(want, cfg.Overrides); diff != "" {
		t.Fatalf("overrides (-want +got):\n%s", diff)
	}
}

func TestApplyFlagsRejectsMalformedSet(t *testing.T) {
	testlog.Start(t)

	flags := pflag.NewFlagSet("t", pflag.ContinueOnError)
	flags.StringArray("set", nil, "")
	if err := flags.Parse([]string{"--set", "no-equals"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg := defaultCLIConfig()
	if err := applyFlags(&cfg, flags); err == nil {
		t.Fatalf("expected malformed --set error")
	}
}

func TestSettingKey(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"addr_list":                 settings.KeyAddrList,
		" EPICS_PVA_ADDR_LIST ":     settings.KeyAddrList,
		"pvas_tls_port":             settings.KeyTLSPort,
		"pvas_beacon_period":        settings.KeyBeaconPeriod,
		"epics_pvas_intf_addr_list": settings.KeyIntfAddrList,
	}
	for in, want := range cases {
		if got := settingKey(in); got != want {
			t.Fatalf("settingKey(%q) = %q want %q", in, got, want)
		}
	}
}
