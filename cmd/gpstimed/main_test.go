package main

import (
	"os"
	"path/filepath"
	"testing"

	"gpstimed/internal/config"
)

func TestBuildConfig_RejectsBothModes(t *testing.T) {
	_, err := buildConfig("/etc/gpstimed.yaml", []string{"/dev/ttyAMA0"}, "", 38400, "8N1", "N")
	if err == nil {
		t.Fatalf("expected error for -config plus device argument")
	}
}

func TestBuildConfig_RejectsNoDevice(t *testing.T) {
	_, err := buildConfig("", nil, "", 38400, "8N1", "N")
	if err == nil {
		t.Fatalf("expected error with neither -config nor device")
	}
}

func TestBuildConfig_RejectsMultipleDevices(t *testing.T) {
	_, err := buildConfig("", []string{"/dev/ttyAMA0", "/dev/ttyAMA1"}, "", 38400, "8N1", "N")
	if err == nil {
		t.Fatalf("expected error for two device arguments")
	}
}

func TestBuildConfig_SingleDeviceDefaults(t *testing.T) {
	cfg, err := buildConfig("", []string{"/dev/ttyAMA0"}, "", 4800, "7E1", "N")
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if len(cfg.GPS) != 1 {
		t.Fatalf("expected 1 device, got %d", len(cfg.GPS))
	}
	dev := cfg.GPS[0]
	if dev.Device != "/dev/ttyAMA0" {
		t.Fatalf("device=%q", dev.Device)
	}
	if dev.Name != "GPS0" {
		t.Fatalf("expected default name GPS0, got %q", dev.Name)
	}
	if dev.Dialect != "generic" {
		t.Fatalf("expected default dialect, got %q", dev.Dialect)
	}
	if dev.Baud != 4800 || dev.Framing != "7E1" {
		t.Fatalf("framing not carried: baud=%d framing=%q", dev.Baud, dev.Framing)
	}
	if dev.ShmUnit == nil || *dev.ShmUnit != 0 {
		t.Fatalf("expected receipt shm unit 0, got %v", dev.ShmUnit)
	}
	if dev.PPS != nil {
		t.Fatalf("expected no pps source without -pps")
	}
	if cfg.Gpsd.Port != 2947 {
		t.Fatalf("expected default port 2947, got %d", cfg.Gpsd.Port)
	}
	if len(cfg.Metrics.Bind) != 0 {
		t.Fatalf("expected metrics disabled by default, got %v", cfg.Metrics.Bind)
	}
}

func TestBuildConfig_SingleDeviceWithPPS(t *testing.T) {
	cfg, err := buildConfig("", []string{"/dev/ttyAMA0"}, "/dev/pps0", 38400, "8N1", "N")
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	dev := cfg.GPS[0]
	if dev.PPS == nil || dev.PPS.Device != "/dev/pps0" {
		t.Fatalf("pps source not wired: %+v", dev.PPS)
	}
	if dev.PPS.ShmUnit == nil || *dev.PPS.ShmUnit != 1 {
		t.Fatalf("expected pulse shm unit 1, got %v", dev.PPS.ShmUnit)
	}
}

func TestBuildConfig_SingleDeviceBadFraming(t *testing.T) {
	_, err := buildConfig("", []string{"/dev/ttyAMA0"}, "", 38400, "9X9", "N")
	if err == nil {
		t.Fatalf("expected framing validation error")
	}
}

func TestBuildConfig_LoadsFile(t *testing.T) {
	doc := `
gps:
  - name: roof
    device: /dev/ttyUSB0
    pps:
      device: /dev/pps0
      shm_unit: 2
`
	path := filepath.Join(t.TempDir(), "gpstimed.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := buildConfig(path, nil, "", 38400, "8N1", "N")
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if len(cfg.GPS) != 1 || cfg.GPS[0].Name != "roof" {
		t.Fatalf("config file not loaded: %+v", cfg.GPS)
	}
	if cfg.GPS[0].PPS == nil || *cfg.GPS[0].PPS.ShmUnit != 2 {
		t.Fatalf("pps unit not loaded: %+v", cfg.GPS[0].PPS)
	}
}

func TestDeviceInfos(t *testing.T) {
	devs := []config.Device{
		{Name: "roof", Device: "/dev/ttyUSB0", Baud: 115200, Framing: "8N1"},
		{Name: "bench", Device: "/dev/ttyAMA0", Baud: 4800, Framing: "7E2"},
	}

	infos := deviceInfos(devs)
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
	if infos[0].Name != "roof" || infos[0].Path != "/dev/ttyUSB0" || infos[0].Baud != 115200 {
		t.Fatalf("first info wrong: %+v", infos[0])
	}
	if infos[0].Parity != "N" || infos[0].Stopbits != "1" {
		t.Fatalf("first framing wrong: parity=%q stopbits=%q", infos[0].Parity, infos[0].Stopbits)
	}
	if infos[1].Parity != "E" || infos[1].Stopbits != "2" {
		t.Fatalf("second framing wrong: parity=%q stopbits=%q", infos[1].Parity, infos[1].Stopbits)
	}
}
