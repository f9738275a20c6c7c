// Package network covers what the agent needs from the network before it talks to the
// content service: waiting for the Wi-Fi link, reading the MAC address and signal
// strength, and setting the wall clock from NTP.
//
// Joining the access point is left to the operating system (wpa_supplicant, iwd or
// NetworkManager); the agent only observes the link.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Link is the observable state of the device's network interface.
type Link interface {
	// MAC returns the hardware address as upper-case colon-separated hex.
	MAC() (string, error)
	// Associated reports whether the link is up and has an address.
	Associated() (bool, error)
	// RSSI returns the signal level in dBm.
	RSSI() (int, error)
}

// ErrNoSignal is returned when the interface has no wireless statistics.
var ErrNoSignal = errors.New("network: no wireless statistics for interface")

// Interface is a Link backed by a Linux network interface.
type Interface struct {
	Name string
	// SysRoot is the sysfs net class directory, /sys/class/net by default.
	SysRoot string
	// WirelessPath is the procfs wireless table, /proc/net/wireless by default.
	WirelessPath string

	byName func(name string) (*net.Interface, error)
	addrs  func(iface *net.Interface) ([]net.Addr, error)
}

// NewInterface returns a Link for the named interface (e.g. "wlan0").
func NewInterface(name string) *Interface {
	return &Interface{
		Name:         name,
		SysRoot:      "/sys/class/net",
		WirelessPath: "/proc/net/wireless",
		byName:       net.InterfaceByName,
		addrs:        func(iface *net.Interface) ([]net.Addr, error) { return iface.Addrs() },
	}
}

// MAC implements Link.
func (i *Interface) MAC() (string, error) {
	iface, err := i.byName(i.Name)
	if err != nil {
		return "", fmt.Errorf("network: interface %s: %w", i.Name, err)
	}
	if len(iface.HardwareAddr) == 0 {
		return "", fmt.Errorf("network: interface %s has no hardware address", i.Name)
	}
	return strings.ToUpper(iface.HardwareAddr.String()), nil
}

// Associated implements Link.
func (i *Interface) Associated() (bool, error) {
	raw, err := os.ReadFile(filepath.Join(i.SysRoot, i.Name, "operstate"))
	if err != nil {
		return false, fmt.Errorf("network: operstate: %w", err)
	}
	if strings.TrimSpace(string(raw)) != "up" {
		return false, nil
	}
	iface, err := i.byName(i.Name)
	if err != nil {
		return false, fmt.Errorf("network: interface %s: %w", i.Name, err)
	}
	addrs, err := i.addrs(iface)
	if err != nil {
		return false, fmt.Errorf("network: addresses of %s: %w", i.Name, err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if ok && ipn.IP.IsGlobalUnicast() {
			return true, nil
		}
	}
	return false, nil
}

// RSSI implements Link.
func (i *Interface) RSSI() (int, error) {
	f, err := os.Open(i.WirelessPath)
	if err != nil {
		return 0, fmt.Errorf("network: %w", err)
	}
	defer f.Close()
	return parseWireless(f, i.Name)
}

// parseWireless extracts the signal level of iface from a /proc/net/wireless table:
//
//	Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE
//	 face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22
//	 wlan0: 0000   70.  -40.  -256        0      0      0      0      0        0
func parseWireless(r io.Reader, iface string) (int, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		name, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) != iface {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, fmt.Errorf("network: short wireless entry for %s", iface)
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, fmt.Errorf("network: signal level %q: %w", fields[2], err)
		}
		return int(level), nil
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("network: %w", err)
	}
	return 0, ErrNoSignal
}
