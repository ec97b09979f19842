package cryptstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig() Config {
	return Config{
		User:          "alice",
		KernelPackage: "linux",
		Timezone:      "UTC",
		Locales:       []string{"en_US.UTF-8 UTF-8"},
		LocaleVars:    map[string]string{"LANG": "en_US.UTF-8"},
		Hostname:      "box",
		KeyLabel:      "lukskey",
		KeyMountpoint: "/key",
		KeyFile:       "key",
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
user = "alice"
kernel_package = "linux-lts"
time_zone = "Europe/Berlin"
locales = ["en_US.UTF-8 UTF-8", "de_DE.UTF-8 UTF-8"]
hostname = "workstation"
key_label = "lukskey"
key_mountpoint = "/key"
key_file = "key"
mirror_country = "Germany"

[lc_conf_vars]
LANG = "en_US.UTF-8"
LC_TIME = "de_DE.UTF-8"

[desktop]
packages = ["sway", "greetd"]
display_manager = "greetd"
autologin = true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "linux-lts", cfg.KernelPackage)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Len(t, cfg.Locales, 2)
	assert.Equal(t, "de_DE.UTF-8", cfg.LocaleVars["LC_TIME"])
	assert.Equal(t, "/key/key", cfg.KeyFilePath())
	assert.Equal(t, "Germany", cfg.MirrorCountry)
	require.NotNil(t, cfg.Desktop)
	assert.True(t, cfg.Desktop.Autologin)
}

func TestLoadConfigMissingKeyFile(t *testing.T) {
	path := writeConfigFile(t, `
user = "alice"
kernel_package = "linux"
time_zone = "UTC"
locales = ["en_US.UTF-8 UTF-8"]
hostname = "box"
key_label = "lukskey"
key_mountpoint = "/key"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_file")
}

func TestValidateEmptyPathField(t *testing.T) {
	cfg := validConfig()
	cfg.KeyMountpoint = ""
	require.Error(t, cfg.Validate())
}

func TestValidateNoLocales(t *testing.T) {
	cfg := validConfig()
	cfg.Locales = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locale")
}

func TestValidateHostname(t *testing.T) {
	valid := []string{"box", "my-host", "a", "host01", "A1"}
	invalid := []string{"-box", "box-", "my host", "host.example.com", "ünïcödé"}

	for _, h := range valid {
		cfg := validConfig()
		cfg.Hostname = h
		assert.NoError(t, cfg.Validate(), h)
	}
	for _, h := range invalid {
		cfg := validConfig()
		cfg.Hostname = h
		assert.Error(t, cfg.Validate(), h)
	}
}

func TestValidateDesktopNeedsPackages(t *testing.T) {
	cfg := validConfig()
	cfg.Desktop = &DesktopConfig{}
	require.Error(t, cfg.Validate())
}
