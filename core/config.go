package cryptstrap

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Config is the validated installer configuration. It is loaded once and
// never mutated by the pipeline.
type Config struct {
	User          string            `toml:"user"`
	KernelPackage string            `toml:"kernel_package"`
	Timezone      string            `toml:"time_zone"`
	Locales       []string          `toml:"locales"`
	LocaleVars    map[string]string `toml:"lc_conf_vars"`
	Hostname      string            `toml:"hostname"`
	KeyLabel      string            `toml:"key_label"`
	KeyMountpoint string            `toml:"key_mountpoint"`
	KeyFile       string            `toml:"key_file"`

	// MirrorCountry optionally restricts package mirror selection to one
	// country before bootstrapping.
	MirrorCountry string `toml:"mirror_country"`

	// Desktop optionally describes a desktop profile installed as a
	// post-install hook.
	Desktop *DesktopConfig `toml:"desktop"`
}

type DesktopConfig struct {
	Packages       []string `toml:"packages"`
	DisplayManager string   `toml:"display_manager"`
	Autologin      bool     `toml:"autologin"`
}

// RFC 1123 host label.
var hostnameExpr = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %s", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %s", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot act on. Empty
// path-like fields are hard failures rather than something to guess a
// fallback for.
func (cfg *Config) Validate() error {
	required := map[string]string{
		"user":           cfg.User,
		"kernel_package": cfg.KernelPackage,
		"time_zone":      cfg.Timezone,
		"hostname":       cfg.Hostname,
		"key_label":      cfg.KeyLabel,
		"key_mountpoint": cfg.KeyMountpoint,
		"key_file":       cfg.KeyFile,
	}
	for _, field := range []string{"user", "kernel_package", "time_zone", "hostname", "key_label", "key_mountpoint", "key_file"} {
		if required[field] == "" {
			return fmt.Errorf("%s must not be empty", field)
		}
	}

	if len(cfg.Locales) == 0 {
		return fmt.Errorf("at least one locale is required")
	}

	if !hostnameExpr.MatchString(cfg.Hostname) {
		return fmt.Errorf("hostname %q is not a valid host label", cfg.Hostname)
	}

	if cfg.Desktop != nil && len(cfg.Desktop.Packages) == 0 {
		return fmt.Errorf("desktop profile requires at least one package")
	}

	return nil
}

// KeyFilePath is the unlock key's location while the key media is
// mounted.
func (cfg *Config) KeyFilePath() string {
	return filepath.Join(cfg.KeyMountpoint, cfg.KeyFile)
}
