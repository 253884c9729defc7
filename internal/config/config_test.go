package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifyd/internal/kit"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return NewManager(path)
}

const minimalYAML = `
storage:
  path: /var/lib/notifyd/notifyd.db
http:
  jwt_secret: sekrit
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", minimalYAML+`
engine:
  timezone: Europe/Berlin
  quiet_hours:
    start: "22:00"
    end: "07:00"
  limits:
    per_minute:
      P3: 20
  reminder:
    p1_offsets: ["10m", "30m", "2h"]
logging:
  level: debug
  console: true
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/notifyd/notifyd.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Engine.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Engine.Timezone)
	}
	if cfg.Engine.QuietHours.Start != "22:00" || cfg.Engine.QuietHours.End != "07:00" {
		t.Fatalf("quiet hours = %+v", cfg.Engine.QuietHours)
	}
	if cfg.Engine.Limits.PerMinute["P3"] != 20 {
		t.Fatalf("limits = %+v", cfg.Engine.Limits)
	}
	if got := cfg.Engine.Reminder.P1Offsets; len(got) != 3 || got[2] != "2h" {
		t.Fatalf("p1 offsets = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
  "storage": {"path": "n.db"},
  "http": {"jwt_secret": "sekrit", "addr": ":9090"}
}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", minimalYAML+`
engin:
  timezone: UTC
`)
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing storage path", "http:\n  jwt_secret: s\n", "storage.path"},
		{"missing jwt secret", "storage:\n  path: n.db\n", "jwt_secret"},
		{"bad duration", minimalYAML + "engine:\n  expiry:\n    ttl: soonish\n", "engine.expiry.ttl"},
		{"negative duration", minimalYAML + "engine:\n  dispatch:\n    send_timeout: -3s\n", "send_timeout"},
		{"bad offset", minimalYAML + "engine:\n  reminder:\n    p2_offsets: [\"1h\", \"whenever\"]\n", "p2_offsets[1]"},
		{"bad tier name", minimalYAML + "engine:\n  limits:\n    per_minute:\n      P9: 5\n", "unknown tier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := writeConfig(t, "config.yaml", tc.body)
			_, err := m.Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestPrincipalsSeed(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", minimalYAML+`
principals:
  - id: alice
    kind: customer
    tenant_id: t1
    active: true
    prefs:
      sms_emergency: true
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Principals) != 1 {
		t.Fatalf("principals = %+v", cfg.Principals)
	}
	p := cfg.Principals[0]
	if p.ID != "alice" || p.Kind != kit.KindCustomer || !p.Active {
		t.Fatalf("principal = %+v", p)
	}
	if !p.Prefs.SMSEmergency {
		t.Fatal("sms emergency preference lost")
	}
}

func TestParseTierName(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]kit.Tier{
		"P0": kit.TierP0, "p2": kit.TierP2, " P4 ": kit.TierP4,
	} {
		got, err := ParseTierName(raw)
		if err != nil || got != want {
			t.Fatalf("ParseTierName(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseTierName("urgent"); err == nil {
		t.Fatal("ParseTierName accepted junk")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1m"); err == nil {
		t.Fatal("negative accepted")
	}
	if got := DurationOr("", 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("DurationOr empty = %v", got)
	}
	if got := DurationOr("2m", 5*time.Minute); got != 2*time.Minute {
		t.Fatalf("DurationOr set = %v", got)
	}
	if got := DurationOr("garbage", time.Hour); got != time.Hour {
		t.Fatalf("DurationOr garbage = %v", got)
	}
}
