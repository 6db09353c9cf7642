// Package fingerprint computes a stable, device-bound identifier used to
// derive the secure cache encryption key (§3 SecureFile, §4.3). The
// fingerprint is never persisted itself; only a cached fallback MAC
// placeholder is, for hosts where no stable hardware MAC exists.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

const (
	unknownCPU  = "unknown-cpu"
	unknownUser = "unknown-user"

	cpuInfoPath    = "/proc/cpuinfo"
	fallbackMACFile = "fingerprint.mac"
)

// Fingerprinter computes the device fingerprint described in §3/§9: the
// SHA-256 digest of CPU serial, first non-loopback MAC, GOOS/GOARCH, and
// the current username, each with a documented fallback. The MAC
// fallback needs CacheDir: Compute returns an error when no hardware MAC
// exists and CacheDir is empty. Otherwise the fingerprint is stable
// across reboots on the same host.
type Fingerprinter struct {
	// CacheDir holds the cached fallback-MAC placeholder when no real
	// interface MAC can be read. Required only on hosts that need the
	// fallback (containers without network namespaces, CI runners).
	CacheDir string
}

// New constructs a Fingerprinter that caches its fallback MAC, if one is
// needed, under cacheDir.
func New(cacheDir string) *Fingerprinter {
	return &Fingerprinter{CacheDir: cacheDir}
}

// Compute returns the 32-byte device fingerprint.
func (f *Fingerprinter) Compute() ([]byte, error) {
	mac, err := f.stableMAC()
	if err != nil {
		return nil, errors.Wrap(err, "fingerprint: resolve MAC")
	}

	parts := strings.Join([]string{
		cpuSerial(),
		mac,
		runtime.GOOS,
		runtime.GOARCH,
		currentUsername(),
	}, "|")

	sum := sha256.Sum256([]byte(parts))
	return sum[:], nil
}

// cpuSerial reads the Serial field from /proc/cpuinfo. Containers and
// non-Linux hosts rarely expose one; unknownCPU keeps the fingerprint
// computable (and, combined with the other fields, still host-specific
// enough in practice) rather than failing outright.
func cpuSerial() string {
	data, err := os.ReadFile(cpuInfoPath)
	if err != nil {
		return unknownCPU
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "Serial") {
			serial := strings.TrimSpace(value)
			if serial != "" {
				return serial
			}
		}
	}
	return unknownCPU
}

// stableMAC returns the first non-loopback interface MAC address. When
// none exists (common in containers and CI), it falls back to a random
// placeholder generated once and cached on disk so the fingerprint stays
// stable across process restarts on the same host.
func (f *Fingerprinter) stableMAC() (string, error) {
	if mac := firstHardwareMAC(); mac != "" {
		return mac, nil
	}
	return f.cachedFallbackMAC()
}

func firstHardwareMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func (f *Fingerprinter) cachedFallbackMAC() (string, error) {
	if f.CacheDir == "" {
		return "", errors.New("fingerprint: no hardware MAC found and no cache dir configured for a fallback")
	}

	path := filepath.Join(f.CacheDir, fallbackMACFile)
	if existing, err := os.ReadFile(path); err == nil {
		placeholder := strings.TrimSpace(string(existing))
		if placeholder != "" {
			return placeholder, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "fingerprint: read cached fallback MAC")
	}

	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "fingerprint: generate fallback MAC")
	}
	placeholder := net.HardwareAddr(raw).String()

	if err := os.MkdirAll(f.CacheDir, 0o700); err != nil {
		return "", errors.Wrap(err, "fingerprint: create cache dir")
	}
	if err := os.WriteFile(path, []byte(placeholder), 0o600); err != nil {
		return "", errors.Wrap(err, "fingerprint: persist fallback MAC")
	}
	return placeholder, nil
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return unknownUser
	}
	return u.Username
}
