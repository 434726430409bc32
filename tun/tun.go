package tun

import (
	"fmt"
	"net/netip"
	"os/exec"
	"regexp"
	"strings"

	"github.com/songgao/water"
	"go.uber.org/zap"
)

// Device is a TUN interface. *water.Interface satisfies it; tests use mocks.
type Device interface {
	Name() string
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateInterfaceName rejects names unsafe to pass to ip(8).
func validateInterfaceName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid interface name: %q (contains unsafe characters)", name)
	}
	if len(name) > 15 { // IFNAMSIZ minus the terminator
		return fmt.Errorf("interface name too long: %q (max 15 chars)", name)
	}
	return nil
}

// validateAddress requires an address/prefix such as 10.9.0.1/24.
func validateAddress(address string) error {
	if strings.ContainsAny(address, ";|&$`(){}[]\\\"'<>*? ") {
		return fmt.Errorf("TUN address contains unsafe characters: %q", address)
	}
	if _, err := netip.ParsePrefix(address); err != nil {
		return fmt.Errorf("invalid TUN address %q: %w", address, err)
	}
	return nil
}

// Setup creates the TUN interface name and, when address is set, assigns it
// and brings the link up.
func Setup(name, address string, logger *zap.Logger) (Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("tun")

	if err := validateInterfaceName(name); err != nil {
		return nil, err
	}
	if address != "" {
		if err := validateAddress(address); err != nil {
			return nil, err
		}
	}

	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN interface: %w", err)
	}
	log.Info("TUN interface created", zap.String("name", iface.Name()))

	if address == "" {
		log.Info("no TUN address specified, interface left unconfigured")
		return iface, nil
	}
	if err := validateInterfaceName(iface.Name()); err != nil {
		iface.Close()
		return nil, err
	}

	// #nosec G204 -- inputs validated above
	if err := exec.Command("ip", "addr", "add", address, "dev", iface.Name()).Run(); err != nil {
		iface.Close()
		return nil, fmt.Errorf("failed to add address %s to %s: %w", address, iface.Name(), err)
	}
	// #nosec G204 -- inputs validated above
	if err := exec.Command("ip", "link", "set", iface.Name(), "up").Run(); err != nil {
		iface.Close()
		return nil, fmt.Errorf("failed to bring up %s: %w", iface.Name(), err)
	}

	log.Info("TUN interface configured", zap.String("name", iface.Name()), zap.String("address", address))
	return iface, nil
}
