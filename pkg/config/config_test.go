package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func TestDefaultConfigValidates(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.DataPath = t.TempDir()
	is.NoErr(cfg.Validate())
	is.True(filepath.IsAbs(cfg.Sync.CloneRoot))
}

func TestParseEnvOverrides(t *testing.T) {
	is := is.New(t)
	is.NoErr(os.Setenv("MIRRORKEEP_DOWNSTREAM_URL", "https://gitea.local/"))
	is.NoErr(os.Setenv("MIRRORKEEP_DOWNSTREAM_USER", "mirror-bot"))
	is.NoErr(os.Setenv("MIRRORKEEP_SYNC_INTERVAL", "600"))
	is.NoErr(os.Setenv("MIRRORKEEP_SYNC_WORKERS", "5"))
	t.Cleanup(func() {
		is.NoErr(os.Unsetenv("MIRRORKEEP_DOWNSTREAM_URL"))
		is.NoErr(os.Unsetenv("MIRRORKEEP_DOWNSTREAM_USER"))
		is.NoErr(os.Unsetenv("MIRRORKEEP_SYNC_INTERVAL"))
		is.NoErr(os.Unsetenv("MIRRORKEEP_SYNC_WORKERS"))
	})

	cfg := DefaultConfig()
	cfg.DataPath = t.TempDir()
	is.NoErr(cfg.ParseEnv())
	is.Equal(cfg.Downstream.URL, "https://gitea.local") // trailing slash trimmed
	is.Equal(cfg.Downstream.User, "mirror-bot")
	is.Equal(cfg.Sync.Interval, 600)
	is.Equal(cfg.Sync.Workers, 5)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero workers":       func(c *Config) { c.Sync.Workers = 0 },
		"negative retry max": func(c *Config) { c.Sync.RetryMax = -1 },
		"zero interval":      func(c *Config) { c.Sync.Interval = 0 },
		"ssh downstream":     func(c *Config) { c.Downstream.URL = "ssh://git@gitea.local" },
		"bad timezone":       func(c *Config) { c.Timezone = "Mars/Olympus_Mons" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataPath = t.TempDir()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() => nil, want error")
			}
		})
	}
}

func TestParseFileRejectsUnknownKeys(t *testing.T) {
	is := is.New(t)
	td := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataPath = td
	is.NoErr(os.WriteFile(cfg.ConfigPath(), []byte("name: test\nbogus_key: true\n"), 0o644))
	if err := cfg.ParseFile(); err == nil {
		t.Errorf("ParseFile() => nil, want unknown key error")
	}
}

func TestWriteThenParseRoundTrip(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.DataPath = t.TempDir()
	cfg.Name = "Test Mirror"
	cfg.Downstream.User = "svc"
	is.NoErr(cfg.WriteConfig())

	got := DefaultConfig()
	got.DataPath = cfg.DataPath
	is.NoErr(got.Parse())
	is.Equal(got.Name, "Test Mirror")
	is.Equal(got.Downstream.User, "svc")
	is.Equal(got.Sync.Workers, cfg.Sync.Workers)
}

func TestContextRoundTrip(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	ctx := WithContext(testContext(t), cfg)
	is.Equal(FromContext(ctx), cfg)
}
