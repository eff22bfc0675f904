package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoad_EmptyFileGetsDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "device:\n  port: /dev/ttyUSB0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.Port != "/dev/ttyUSB0" {
		t.Fatalf("port=%q", cfg.Device.Port)
	}
	if cfg.Device.Baud != 4800 {
		t.Fatalf("baud=%d want 4800", cfg.Device.Baud)
	}
	if cfg.Device.ReadTimeout != 100*time.Millisecond {
		t.Fatalf("read_timeout=%s want 100ms", cfg.Device.ReadTimeout)
	}
	if cfg.Parser != "NMEA" {
		t.Fatalf("parser=%q want NMEA", cfg.Parser)
	}
	if cfg.MaxBufferedBytes != 65536 {
		t.Fatalf("max_buffered_bytes=%d want 65536", cfg.MaxBufferedBytes)
	}
	if cfg.RawDump.Format != "raw" || cfg.RawDump.Dir != "." {
		t.Fatalf("raw_dump defaults=%+v", cfg.RawDump)
	}
	if cfg.RTK.SrcBaud != 4800 || cfg.RTK.ReplyTimeout != 2*time.Second {
		t.Fatalf("rtk defaults=%+v", cfg.RTK)
	}
	if cfg.RTK.Enabled() {
		t.Fatalf("expected rtk disabled without src_port/format")
	}
	if cfg.Web.Listen != ":8080" || cfg.MQTT.Topic != "gnssrx/observation" {
		t.Fatalf("web/mqtt defaults=%+v %+v", cfg.Web, cfg.MQTT)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTempConfig(t, `
device:
  port: /dev/ttyS1
  baud: 115200
parser: novatel_oem6
utc_source: time
raw_dump:
  prefix: rover
  format: timed
sensor_pose: {x: 0.5, y: -0.2, z: 1.8}
rtk:
  src_port: ntrip
  format: RTCM3
  ntrip:
    addr: caster.example:2101
    mountpoint: MNT
    gga_interval: 5s
mqtt:
  enable: true
  broker: tcp://localhost:1883
  qos: 1
udp_mirror:
  dest: 127.0.0.1:5017
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Parser != "NOVATEL_OEM6" || cfg.UTCSource != "TIME" {
		t.Fatalf("parser=%q utc_source=%q", cfg.Parser, cfg.UTCSource)
	}
	if cfg.RTK.Format != "rtcm3" || !cfg.RTK.Enabled() || !cfg.RTK.UsesNTRIP() {
		t.Fatalf("rtk=%+v", cfg.RTK)
	}
	if cfg.RTK.SrcBaud != 115200 {
		t.Fatalf("rtk.src_baud=%d want device baud", cfg.RTK.SrcBaud)
	}
	if cfg.RTK.NTRIP.GGAInterval != 5*time.Second {
		t.Fatalf("gga_interval=%s", cfg.RTK.NTRIP.GGAInterval)
	}
	if cfg.SensorPose != (SensorPose{X: 0.5, Y: -0.2, Z: 1.8}) {
		t.Fatalf("sensor_pose=%+v", cfg.SensorPose)
	}
	if cfg.MQTT.QoS != 1 || cfg.UDPMirror.Dest != "127.0.0.1:5017" {
		t.Fatalf("mqtt=%+v udp=%+v", cfg.MQTT, cfg.UDPMirror)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"NegativeBaud", "device:\n  baud: -1\n", "device.baud must be > 0"},
		{"BadParser", "parser: sirf\n", "parser must be one of NMEA, NOVATEL_OEM6"},
		{"BadUTCSource", "utc_source: gsa\n", "utc_source must be empty or one of GGA, RMC, GLL, TIME"},
		{"TimeSourceWithNMEA", "utc_source: time\n", "utc_source TIME is never produced by parser NMEA"},
		{"GGASourceWithOEM6", "parser: novatel_oem6\nutc_source: gga\n", "utc_source GGA is never produced by parser NOVATEL_OEM6"},
		{"RMCSourceWithOEM6Alias", "parser: oem6\nutc_source: rmc\n", "utc_source RMC is never produced by parser NOVATEL_OEM6"},
		{"NegativeWatchdog", "max_buffered_bytes: -5\n", "max_buffered_bytes must be >= 0"},
		{"BadDumpFormat", "raw_dump:\n  format: pcap\n", "raw_dump.format must be one of raw, timed"},
		{"TimedFIFO", "raw_dump:\n  format: timed\n  fifo: true\n", "raw_dump.fifo requires raw_dump.format 'raw'"},
		{"PrefixWithPath", "raw_dump:\n  prefix: a/b\n", "raw_dump.prefix must not contain path separators"},
		{"BadRTKFormat", "rtk:\n  src_port: /dev/ttyS2\n  format: ubx\n", "rtk.format must be one of cmr, rtcm, rtcm2, rtcm3"},
		{"NTRIPAddrWithSerialSource", "rtk:\n  src_port: /dev/ttyS2\n  format: cmr\n  ntrip:\n    addr: h:2101\n    mountpoint: M\n", "rtk.ntrip.addr requires rtk.src_port 'ntrip'"},
		{"NTRIPWithoutAddr", "rtk:\n  src_port: ntrip\n  format: cmr\n", "rtk.ntrip.addr is required when rtk.src_port is 'ntrip'"},
		{"NTRIPWithoutMount", "rtk:\n  src_port: ntrip\n  format: cmr\n  ntrip:\n    addr: h:2101\n", "rtk.ntrip.mountpoint is required when rtk.src_port is 'ntrip'"},
		{"MQTTWithoutBroker", "mqtt:\n  enable: true\n", "mqtt.broker is required when mqtt.enable is true"},
		{"MQTTQoS", "mqtt:\n  qos: 3\n", "mqtt.qos must be 0, 1 or 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_ParserAliasesNormalized(t *testing.T) {
	for _, alias := range []string{"oem6", "Novatel", " NOVATEL_OEM6 "} {
		cfg, err := Load(writeTempConfig(t, "parser: \""+alias+"\"\nutc_source: time\n"))
		if err != nil {
			t.Fatalf("Load(parser=%q) error: %v", alias, err)
		}
		if cfg.Parser != "NOVATEL_OEM6" || cfg.UTCSource != "TIME" {
			t.Fatalf("parser=%q utc_source=%q", cfg.Parser, cfg.UTCSource)
		}
	}
}

func TestConfig_ValidateAfterOverride(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "utc_source: rmc\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	cfg.Parser = "NOVATEL_OEM6"
	requireErrEq(t, cfg.Validate(), "utc_source RMC is never produced by parser NOVATEL_OEM6")
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "device:\n  port: /dev/ttyUSB0\n  speed: 9600\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field speed not found in type config.DeviceConfig")
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "device: [\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected yaml syntax error")
	}
}
