// Package machineid derives a stable, anonymized machine fingerprint. The
// raw OS identifier never leaves the machine; only a fixed-length digest is
// transmitted.
package machineid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// fallbackFileName stores the self-generated identifier when no platform
// identifier is available.
const fallbackFileName = "machine_id"

// Builder produces machine identifiers. RuntimeDir holds the persisted
// fallback id; it defaults to ~/.maya.
type Builder struct {
	RuntimeDir string
}

// NewBuilder creates a Builder with the default runtime directory.
func NewBuilder() *Builder {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Builder{RuntimeDir: filepath.Join(home, ".maya")}
}

// MachineID returns the sha256 hex digest of the best available platform
// identifier. The result is deterministic across runs and stable across
// application updates.
func (b *Builder) MachineID() string {
	parts := b.collectParts()
	raw := strings.Join(parts, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (b *Builder) collectParts() []string {
	var parts []string

	switch runtime.GOOS {
	case "windows":
		if guid := windowsMachineGUID(); guid != "" {
			parts = append(parts, "WINGUID:"+guid)
		}
	case "linux":
		if mid := linuxMachineID(); mid != "" {
			parts = append(parts, "LXID:"+mid)
		}
	case "darwin":
		if uid := darwinPlatformUUID(); uid != "" {
			parts = append(parts, "MACUUID:"+uid)
		}
	}

	if len(parts) == 0 {
		if local, err := b.persistentLocalID(); err == nil {
			parts = append(parts, "LOCAL:"+local)
		} else {
			// Not stable across runs, but only reachable when the home
			// directory is unwritable.
			parts = append(parts, "FALLBACK:"+randomHex())
		}
	}

	return parts
}

// windowsMachineGUID reads the Windows install GUID from the registry.
func windowsMachineGUID() string {
	out, err := exec.Command("reg", "query",
		`HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "MachineGuid") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return fields[len(fields)-1]
			}
		}
	}
	return ""
}

// linuxMachineID reads the systemd or dbus machine-id file.
func linuxMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if mid := strings.TrimSpace(string(data)); mid != "" {
				return mid
			}
		}
	}
	return ""
}

// darwinPlatformUUID reads IOPlatformUUID from the IO registry.
func darwinPlatformUUID() string {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "IOPlatformUUID") {
			idx := strings.LastIndex(line, "=")
			if idx < 0 {
				continue
			}
			uid := strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
			if uid != "" {
				return uid
			}
		}
	}
	return ""
}

// persistentLocalID returns the self-generated identifier, creating and
// persisting one on first use.
func (b *Builder) persistentLocalID() (string, error) {
	if err := os.MkdirAll(b.RuntimeDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create runtime dir: %w", err)
	}

	path := filepath.Join(b.RuntimeDir, fallbackFileName)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := randomHex()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to persist machine id: %w", err)
	}
	return id, nil
}

func randomHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
