package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gnssrx/internal/gps"
)

type Config struct {
	Device           DeviceConfig    `yaml:"device"`
	Parser           string          `yaml:"parser"`
	UTCSource        string          `yaml:"utc_source"`
	MaxBufferedBytes int             `yaml:"max_buffered_bytes"`
	RawDump          RawDumpConfig   `yaml:"raw_dump"`
	SensorPose       SensorPose      `yaml:"sensor_pose"`
	RTK              RTKConfig       `yaml:"rtk"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Web              WebConfig       `yaml:"web"`
	UDPMirror        UDPMirrorConfig `yaml:"udp_mirror"`
}

type DeviceConfig struct {
	// Port is the serial device; empty means auto-detect.
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type RawDumpConfig struct {
	// Prefix enables the dump when non-empty.
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
	FIFO   bool   `yaml:"fifo"`
}

// SensorPose is the antenna position in the vehicle frame, metres.
type SensorPose struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// SourceNTRIP as rtk.src_port takes corrections from the NTRIP caster.
const SourceNTRIP = "ntrip"

type RTKConfig struct {
	// SrcPort is the serial port corrections arrive on, or SourceNTRIP.
	SrcPort      string        `yaml:"src_port"`
	SrcBaud      int           `yaml:"src_baud"`
	Format       string        `yaml:"format"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	NTRIP        NTRIPConfig   `yaml:"ntrip"`
}

// Enabled reports whether arming should be attempted at startup.
func (c RTKConfig) Enabled() bool {
	return strings.TrimSpace(c.SrcPort) != "" && strings.TrimSpace(c.Format) != ""
}

// UsesNTRIP reports whether corrections come from a caster.
func (c RTKConfig) UsesNTRIP() bool {
	return strings.EqualFold(strings.TrimSpace(c.SrcPort), SourceNTRIP)
}

// NTRIPConfig selects a caster. It is used when rtk.src_port is "ntrip".
type NTRIPConfig struct {
	Addr        string        `yaml:"addr"`
	Mountpoint  string        `yaml:"mountpoint"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	GGAInterval time.Duration `yaml:"gga_interval"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type UDPMirrorConfig struct {
	Dest string `yaml:"dest"`
}

var (
	validParsers    = []string{"NMEA", "NOVATEL_OEM6"}
	validUTCSources = []string{"GGA", "RMC", "GLL", "TIME"}
	// utcSourcesByParser lists the families each parser can actually emit.
	utcSourcesByParser = map[string][]string{
		"NMEA":         {"GGA", "RMC", "GLL"},
		"NOVATEL_OEM6": {"TIME"},
	}
	validDumpFmts   = []string{"raw", "timed"}
	validRTKFormats = []string{"cmr", "rtcm", "rtcm2", "rtcm3"}
)

// Default returns a configuration with every default applied and no
// optional feature enabled.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && allUnknownFields(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", stripLines(te.Errors))
		}
		return Config{}, err
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = 4800
	}
	if cfg.Device.ReadTimeout <= 0 {
		cfg.Device.ReadTimeout = 100 * time.Millisecond
	}
	if mode, err := gps.ParseParserMode(cfg.Parser); err == nil {
		cfg.Parser = mode.String()
	} else {
		cfg.Parser = strings.ToUpper(strings.TrimSpace(cfg.Parser))
	}
	cfg.UTCSource = strings.ToUpper(strings.TrimSpace(cfg.UTCSource))
	if cfg.MaxBufferedBytes == 0 {
		cfg.MaxBufferedBytes = 65536
	}
	cfg.RawDump.Format = strings.ToLower(strings.TrimSpace(cfg.RawDump.Format))
	if cfg.RawDump.Format == "" {
		cfg.RawDump.Format = "raw"
	}
	if cfg.RawDump.Dir == "" {
		cfg.RawDump.Dir = "."
	}

	cfg.RTK.Format = strings.ToLower(strings.TrimSpace(cfg.RTK.Format))
	if cfg.RTK.SrcBaud == 0 {
		cfg.RTK.SrcBaud = cfg.Device.Baud
	}
	if cfg.RTK.ReplyTimeout <= 0 {
		cfg.RTK.ReplyTimeout = 2 * time.Second
	}
	if cfg.RTK.NTRIP.GGAInterval == 0 {
		cfg.RTK.NTRIP.GGAInterval = 10 * time.Second
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "gnssrx"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "gnssrx/observation"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
}

// DefaultAndValidate fills defaults into cfg and validates the result.
func DefaultAndValidate(cfg *Config) error {
	applyDefaults(cfg)
	return validate(cfg)
}

// Validate re-checks a config after command-line overrides were applied.
func (c Config) Validate() error {
	return validate(&c)
}

func validate(cfg *Config) error {
	if cfg.Device.Baud < 0 {
		return fmt.Errorf("device.baud must be > 0")
	}
	if !slices.Contains(validParsers, cfg.Parser) {
		return fmt.Errorf("parser must be one of %s", strings.Join(validParsers, ", "))
	}
	if cfg.UTCSource != "" && !slices.Contains(validUTCSources, cfg.UTCSource) {
		return fmt.Errorf("utc_source must be empty or one of %s", strings.Join(validUTCSources, ", "))
	}
	if cfg.UTCSource != "" && !slices.Contains(utcSourcesByParser[cfg.Parser], cfg.UTCSource) {
		return fmt.Errorf("utc_source %s is never produced by parser %s", cfg.UTCSource, cfg.Parser)
	}
	if cfg.MaxBufferedBytes < 0 {
		return fmt.Errorf("max_buffered_bytes must be >= 0")
	}
	if !slices.Contains(validDumpFmts, cfg.RawDump.Format) {
		return fmt.Errorf("raw_dump.format must be one of %s", strings.Join(validDumpFmts, ", "))
	}
	if cfg.RawDump.FIFO && cfg.RawDump.Format != "raw" {
		return fmt.Errorf("raw_dump.fifo requires raw_dump.format 'raw'")
	}
	if strings.ContainsAny(cfg.RawDump.Prefix, `/\`) {
		return fmt.Errorf("raw_dump.prefix must not contain path separators")
	}

	if cfg.RTK.Format != "" && !slices.Contains(validRTKFormats, cfg.RTK.Format) {
		return fmt.Errorf("rtk.format must be one of %s", strings.Join(validRTKFormats, ", "))
	}
	if cfg.RTK.SrcBaud < 0 {
		return fmt.Errorf("rtk.src_baud must be > 0")
	}
	if cfg.RTK.UsesNTRIP() {
		if strings.TrimSpace(cfg.RTK.NTRIP.Addr) == "" {
			return fmt.Errorf("rtk.ntrip.addr is required when rtk.src_port is 'ntrip'")
		}
		if strings.TrimSpace(cfg.RTK.NTRIP.Mountpoint) == "" {
			return fmt.Errorf("rtk.ntrip.mountpoint is required when rtk.src_port is 'ntrip'")
		}
	} else if cfg.RTK.NTRIP.Addr != "" {
		return fmt.Errorf("rtk.ntrip.addr requires rtk.src_port 'ntrip'")
	}

	if cfg.MQTT.Enable && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func allUnknownFields(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return false
		}
	}
	return len(te.Errors) > 0
}

// stripLines drops the "line N: " prefix yaml puts on each message.
func stripLines(errs []string) string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if strings.HasPrefix(e, "line ") {
			if _, rest, ok := strings.Cut(e, ": "); ok {
				e = rest
			}
		}
		out = append(out, e)
	}
	return strings.Join(out, "; ")
}
