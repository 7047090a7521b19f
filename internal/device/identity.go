package device

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
)

// ErrMissingCredentials is returned when a device id or hardware key is empty.
var ErrMissingCredentials = errors.New("device id and hardware key are required")

// Identity is the pair of credentials every server call carries.
type Identity struct {
	DeviceID    string
	HardwareKey string
}

// Validate reports ErrMissingCredentials if either field is blank.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.DeviceID) == "" || strings.TrimSpace(id.HardwareKey) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// HardwareKey derives a stable key for this machine from its first hardware
// address and CPU count.
func HardwareKey() (string, error) {
	mac, err := primaryMAC()
	if err != nil {
		return "", fmt.Errorf("failed to read hardware address: %w", err)
	}
	return deriveKey(mac, runtime.NumCPU()), nil
}

func deriveKey(mac string, cpus int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", mac, cpus)))
	return hex.EncodeToString(sum[:])
}

func primaryMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", errors.New("no non-loopback interface with a hardware address")
}

// LocalIP returns the address used for outbound traffic, or 127.0.0.1 when it
// cannot be determined. No packets are sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
