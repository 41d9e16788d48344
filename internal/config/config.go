// Package config manages hb configuration via a viper singleton.
//
// Precedence, highest first:
//  1. Environment variables (HB_* for most keys, plus a few well-known names)
//  2. Config file (.hb/config.yaml in the working directory or its parents,
//     then $HOME/.hb/config.yaml)
//  3. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// v is the package-level viper instance. All getters are nil-safe so code
// paths that run before Initialize (or after a failed one) degrade to
// defaults instead of panicking.
var v *viper.Viper

// Initialize sets up the viper singleton. Safe to call more than once; tests
// re-initialize to pick up env changes.
func Initialize() error {
	nv := viper.New()

	nv.SetConfigName("config")
	nv.SetConfigType("yaml")
	if dir := findConfigDir(); dir != "" {
		nv.AddConfigPath(dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		nv.AddConfigPath(filepath.Join(home, ".hb"))
	}

	nv.SetEnvPrefix("HB")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	nv.AutomaticEnv()

	// PATs commonly live in AZURE_DEVOPS_EXT_PAT (the az CLI convention).
	_ = nv.BindEnv("pat", "HB_PAT", "AZURE_DEVOPS_EXT_PAT")

	nv.SetDefault("organization", "")
	nv.SetDefault("project", "")
	nv.SetDefault("pat", "")
	nv.SetDefault("actor", "")
	nv.SetDefault("json", false)
	nv.SetDefault("handle-ttl", time.Hour)
	nv.SetDefault("concurrency", 5)
	nv.SetDefault("batch-size", 200)
	nv.SetDefault("call-timeout", 30*time.Second)
	nv.SetDefault("enrich.model", "")
	nv.SetDefault("enrich.api-key", "")

	if err := nv.ReadInConfig(); err != nil {
		// Missing config file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	v = nv
	return nil
}

// findConfigDir walks up from the working directory looking for a .hb
// directory, so hb works from any subdirectory of a project.
func findConfigDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".hb")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// GetString returns the string value for key, or "" when unset.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns the bool value for key, or false when unset.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns the int value for key, or 0 when unset.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns the duration value for key, or 0 when unset.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a value in the singleton. Primarily for flag binding and tests.
func Set(key string, value interface{}) {
	if v == nil {
		v = viper.New()
	}
	v.Set(key, value)
}
