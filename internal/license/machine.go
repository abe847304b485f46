package license

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var machineIDSources = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

// MachineID returns a stable identifier for this host. An explicit
// override wins, otherwise the OS machine id or hostname is hashed.
func MachineID(override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	return hashMachineSource(readMachineSource(machineIDSources, os.Hostname))
}

func readMachineSource(paths []string, hostname func() (string, error)) string {
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v
		}
	}
	if h, err := hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-host"
}

func hashMachineSource(source string) string {
	sum := blake2b.Sum256([]byte("tenantguard-machine:" + source))
	return hex.EncodeToString(sum[:16])
}
