package mqtt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Identity is the immutable hardware-derived device identifier.
type Identity []byte

// identityNamespace scopes the name-based UUIDs derived from identities.
var identityNamespace = uuid.MustParse("6f2c8a0e-4b1d-5e7a-9c3f-2d8e1a6b4c90")

// Lookup sources, replaced in tests.
var (
	machineIDPath = "/etc/machine-id"
	interfaces    = net.Interfaces
)

// DeriveIdentity returns the device identity. A non-empty override
// wins: it is hex-decoded when it is valid hex and used as raw bytes
// otherwise. Without an override the identity comes from
// /etc/machine-id, then from the first non-loopback hardware address.
func DeriveIdentity(override string) (Identity, error) {
	if override = strings.TrimSpace(override); override != "" {
		if b, err := hex.DecodeString(override); err == nil {
			return Identity(b), nil
		}
		return Identity(override), nil
	}

	if data, err := os.ReadFile(machineIDPath); err == nil {
		if b, err := hex.DecodeString(strings.TrimSpace(string(data))); err == nil && len(b) > 0 {
			return Identity(b), nil
		}
	}

	ifaces, err := interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if bytes.Equal(iface.HardwareAddr, make([]byte, len(iface.HardwareAddr))) {
			continue
		}
		return Identity(bytes.Clone(iface.HardwareAddr)), nil
	}
	return nil, errors.New("no device identity: set device.id, or provide /etc/machine-id or a network interface")
}

// Hex returns the identity as lowercase hex, the form used in topics.
func (id Identity) Hex() string {
	return hex.EncodeToString(id)
}

// UUID returns a stable name-based UUID for the identity.
func (id Identity) UUID() uuid.UUID {
	return uuid.NewSHA1(identityNamespace, id)
}

// ClientID returns the MQTT client identifier.
func (id Identity) ClientID() string {
	return "smokefan-" + id.UUID().String()
}
