package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitTokens(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"single", "TOK1", []string{"TOK1"}},
		{"commas", "TOK1,TOK2,TOK3", []string{"TOK1", "TOK2", "TOK3"}},
		{"newlines", "TOK1\nTOK2\r\nTOK3", []string{"TOK1", "TOK2", "TOK3"}},
		{"mixed separators", "TOK1, TOK2;\tTOK3 TOK4", []string{"TOK1", "TOK2", "TOK3", "TOK4"}},
		{"leading and trailing junk", "\n ,TOK1,, \n", []string{"TOK1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitTokens(tt.raw)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitTokens(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.ServerConfig.Port)
	}
	if cfg.LicenseConfig.DeviceQuota != 2 {
		t.Errorf("DeviceQuota = %d, want 2", cfg.LicenseConfig.DeviceQuota)
	}
	if cfg.LicenseConfig.ValidityDays != 365 {
		t.Errorf("ValidityDays = %d, want 365", cfg.LicenseConfig.ValidityDays)
	}
	if cfg.ScannerConfig.WarnDays != 7 {
		t.Errorf("WarnDays = %d, want 7", cfg.ScannerConfig.WarnDays)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WEB_PORT", "9090")
	t.Setenv("ALLOWED_TOKENS", "W1,W2")
	t.Setenv("BLOCKED_MACHINES", "abc def")
	t.Setenv("KILL_SWITCH", "1")
	t.Setenv("DEVICE_QUOTA", "5")
	t.Setenv("ADMIN_API_KEY", "k")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerConfig.Port != 9090 {
		t.Errorf("Port = %d", cfg.ServerConfig.Port)
	}
	if !reflect.DeepEqual(cfg.LicenseConfig.AllowedTokens, []string{"W1", "W2"}) {
		t.Errorf("AllowedTokens = %v", cfg.LicenseConfig.AllowedTokens)
	}
	if !reflect.DeepEqual(cfg.LicenseConfig.BlockedMachines, []string{"abc", "def"}) {
		t.Errorf("BlockedMachines = %v", cfg.LicenseConfig.BlockedMachines)
	}
	if !cfg.LicenseConfig.KillSwitch {
		t.Error("KillSwitch should be on")
	}
	if cfg.LicenseConfig.DeviceQuota != 5 {
		t.Errorf("DeviceQuota = %d", cfg.LicenseConfig.DeviceQuota)
	}
	if cfg.LicenseConfig.AdminAPIKey != "k" {
		t.Errorf("AdminAPIKey = %q", cfg.LicenseConfig.AdminAPIKey)
	}
}

func TestTokensFileTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens")
	if err := os.WriteFile(path, []byte("FILE1\nFILE2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TOKENS_FILE", path)
	t.Setenv("ALLOWED_TOKENS", "ENV1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.LicenseConfig.AllowedTokens, []string{"FILE1", "FILE2"}) {
		t.Errorf("AllowedTokens = %v, want file contents", cfg.LicenseConfig.AllowedTokens)
	}
}

func TestLoadFromFileWithEnvOnTop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"server":{"port":7000},"license":{"device_quota":3,"validity_days":30}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WEB_PORT", "7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Env wins over file.
	if cfg.ServerConfig.Port != 7100 {
		t.Errorf("Port = %d, want 7100", cfg.ServerConfig.Port)
	}
	if cfg.LicenseConfig.DeviceQuota != 3 {
		t.Errorf("DeviceQuota = %d, want 3", cfg.LicenseConfig.DeviceQuota)
	}
	if cfg.LicenseConfig.ValidityDays != 30 {
		t.Errorf("ValidityDays = %d, want 30", cfg.LicenseConfig.ValidityDays)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/nonexistent/config.json")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
