package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/care/orion-recorder/internal/logging"
)

const arpScanOutput = `Interface: wlan0, type: EN10MB, MAC: dc:a6:32:01:02:03, IPv4: 192.168.1.20
Starting arp-scan 1.9.7 with 256 hosts (https://github.com/royhills/arp-scan)
192.168.1.1	a0:63:91:aa:bb:cc	NETGEAR
192.168.1.34	b4:b0:24:ad:96:66	TP-LINK TECHNOLOGIES CO.,LTD.
192.168.1.51	20-A6-0C-90-AE-8E	(Unknown)

3 packets received by filter, 0 packets dropped by kernel
Ending arp-scan 1.9.7: 256 hosts scanned in 1.871 seconds (136.82 hosts/sec). 3 responded`

const arpOutput = `? (10.0.0.1) at 00:11:22:33:44:55 [ether] on eth0
camera.lan (10.0.0.7) at b4:b0:24:ad:96:66 [ether] on eth0`

type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	return []byte(f.outputs[name]), nil
}

func TestParseDevices_ArpScan(t *testing.T) {
	devices := ParseDevices(arpScanOutput)

	// the header line names the scanning host itself
	want := []Device{
		{IP: "192.168.1.20", MAC: "DC:A6:32:01:02:03"},
		{IP: "192.168.1.1", MAC: "A0:63:91:AA:BB:CC"},
		{IP: "192.168.1.34", MAC: "B4:B0:24:AD:96:66"},
		{IP: "192.168.1.51", MAC: "20:A6:0C:90:AE:8E"},
	}
	if len(devices) != len(want) {
		t.Fatalf("ParseDevices() = %v, want %v", devices, want)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, devices[i], want[i])
		}
	}
}

func TestParseDevices_Arp(t *testing.T) {
	devices := ParseDevices(arpOutput)
	if len(devices) != 2 || devices[1].IP != "10.0.0.7" || devices[1].MAC != "B4:B0:24:AD:96:66" {
		t.Errorf("ParseDevices() = %v", devices)
	}
}

func TestFinder_Lookup(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"arp-scan": arpScanOutput}}
	f := NewFinder("wlan0", runner, logging.Discard())

	ip, err := f.Lookup(context.Background(), "b4-b0-24-ad-96-66")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if ip != "192.168.1.34" {
		t.Errorf("Lookup() = %s, want 192.168.1.34", ip)
	}
}

func TestFinder_FallsBackToArp(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"arp": arpOutput},
		errs:    map[string]error{"arp-scan": errors.New("executable file not found in $PATH")},
	}
	f := NewFinder("eth0", runner, logging.Discard())

	ip, err := f.Lookup(context.Background(), "B4:B0:24:AD:96:66")
	if err != nil || ip != "10.0.0.7" {
		t.Errorf("Lookup() = %q, %v", ip, err)
	}
	if len(runner.calls) != 2 || runner.calls[1] != "arp" {
		t.Errorf("calls = %v, want arp-scan then arp", runner.calls)
	}
}

func TestFinder_NotFound(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"arp-scan": arpScanOutput}}
	f := NewFinder("wlan0", runner, logging.Discard())

	if _, err := f.Lookup(context.Background(), "00:00:00:00:00:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() error = %v, want ErrNotFound", err)
	}
	if _, err := f.Lookup(context.Background(), "not-a-mac"); err == nil {
		t.Error("Lookup() accepted an invalid MAC")
	}
}
