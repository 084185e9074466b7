// Package discovery resolves a camera's MAC address to its current IP by
// scanning the local ARP table.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when no neighbour has the requested MAC
var ErrNotFound = errors.New("device not found on local network")

var (
	ipPattern  = regexp.MustCompile(`[0-9]+(?:\.[0-9]+){3}`)
	macPattern = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$|^[0-9A-Fa-f]{4}\.[0-9A-Fa-f]{4}\.[0-9A-Fa-f]{4}$`)
	// everything that cannot be part of an IP or MAC becomes a separator
	separators = regexp.MustCompile(`[^a-zA-Z0-9.:\-]`)
)

// Runner executes a command and returns its standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Device is one IP/MAC pair of the neighbour table
type Device struct {
	IP  string
	MAC string
}

// Finder looks up devices with arp-scan, falling back to arp -a
type Finder struct {
	iface   string
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewFinder creates a finder scanning the given network interface
func NewFinder(iface string, runner Runner, logger *slog.Logger) *Finder {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Finder{
		iface:   iface,
		runner:  runner,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "discovery"),
	}
}

// List returns every device visible on the local network
func (f *Finder) List(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, err := f.runner.Run(ctx, "arp-scan", "--interface="+f.iface, "--localnet")
	if err != nil {
		f.logger.Warn("arp-scan failed, falling back to arp -a", "interface", f.iface, "error", err)
		out, err = f.runner.Run(ctx, "arp", "-a")
		if err != nil {
			return nil, fmt.Errorf("failed to list neighbours: %w", err)
		}
	}
	return ParseDevices(string(out)), nil
}

// Lookup returns the IP of the device with the given MAC
func (f *Finder) Lookup(ctx context.Context, mac string) (string, error) {
	want, err := NormalizeMAC(mac)
	if err != nil {
		return "", err
	}

	devices, err := f.List(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.MAC == want {
			f.logger.Info("device found", "mac", want, "ip", d.IP)
			return d.IP, nil
		}
	}

	f.logger.Warn("device not found", "mac", want, "neighbours", len(devices))
	return "", fmt.Errorf("%w: %s", ErrNotFound, want)
}

// ParseDevices extracts IP/MAC pairs from arp-scan or arp -a output. Lines
// without both an IP and a MAC are ignored.
func ParseDevices(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		var ip, mac string
		for _, field := range strings.Fields(separators.ReplaceAllString(line, " ")) {
			if macPattern.MatchString(field) {
				if norm, err := NormalizeMAC(field); err == nil {
					mac = norm
				}
			}
			if ipPattern.MatchString(field) && net.ParseIP(field) != nil {
				ip = field
			}
		}
		if ip != "" && mac != "" {
			devices = append(devices, Device{IP: ip, MAC: mac})
		}
	}
	return devices
}

// NormalizeMAC returns mac as upper-case colon-separated hex
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	return strings.ToUpper(hw.String()), nil
}
