package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Gpsd      GpsdConfig    `yaml:"gpsd"`
	Metrics   MetricsConfig `yaml:"metrics"`
	GPS       []Device      `yaml:"gps"`
}

type GpsdConfig struct {
	Bind []string `yaml:"bind"`
	Port int      `yaml:"port"`
}

type MetricsConfig struct {
	// Bind lists host:port listen addresses for the metrics endpoint.
	// Empty disables it.
	Bind []string `yaml:"bind"`
}

type Device struct {
	Name          string        `yaml:"name"`
	Device        string        `yaml:"device"`
	Dialect       string        `yaml:"dialect"`
	Baud          int           `yaml:"baud"`
	Framing       string        `yaml:"framing"`
	FlowControl   string        `yaml:"flow_control"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	Sentences     []string      `yaml:"sentences"`
	ShmUnit       *int          `yaml:"shm_unit"`
	MinQuality    int           `yaml:"min_quality"`
	MinSatellites int           `yaml:"min_satellites"`
	MaxHDOP       float64       `yaml:"max_hdop"`
	PPS           *PPS          `yaml:"pps"`
}

type PPS struct {
	Device   string `yaml:"device"`
	GpioLine int    `yaml:"gpio_line"`
	ShmUnit  *int   `yaml:"shm_unit"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies defaults and checks cross-entry invariants. Load calls it;
// the legacy command line path builds a Config by hand and calls it directly.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console")
	}

	if len(c.Gpsd.Bind) == 0 {
		c.Gpsd.Bind = []string{"127.0.0.1", "::1"}
	}
	if c.Gpsd.Port == 0 {
		c.Gpsd.Port = 2947
	}
	if c.Gpsd.Port < 1 || c.Gpsd.Port > 65535 {
		return fmt.Errorf("gpsd.port %d out of range", c.Gpsd.Port)
	}

	if len(c.GPS) == 0 {
		return fmt.Errorf("at least one gps entry is required")
	}

	names := make(map[string]bool)
	units := make(map[int]string)
	for i := range c.GPS {
		g := &c.GPS[i]
		where := fmt.Sprintf("gps[%d]", i)

		if g.Device == "" {
			return fmt.Errorf("%s.device is required", where)
		}
		if g.Name == "" {
			g.Name = fmt.Sprintf("GPS%d", i)
		}
		if names[g.Name] {
			return fmt.Errorf("%s.name %q already used", where, g.Name)
		}
		names[g.Name] = true

		if g.Dialect == "" {
			g.Dialect = "generic"
		}
		switch g.Dialect {
		case "generic", "mtk", "ublox":
		default:
			return fmt.Errorf("%s.dialect %q unknown (generic, mtk, ublox)", where, g.Dialect)
		}
		if g.Dialect != "generic" && len(g.Sentences) == 0 {
			return fmt.Errorf("%s.sentences is required for dialect %s", where, g.Dialect)
		}

		if g.Baud == 0 {
			g.Baud = 38400
		}
		if g.Baud < 0 {
			return fmt.Errorf("%s.baud must be > 0", where)
		}
		if g.Framing == "" {
			g.Framing = "8N1"
		}
		if err := checkFraming(g.Framing); err != nil {
			return fmt.Errorf("%s.framing: %w", where, err)
		}
		if g.FlowControl == "" {
			g.FlowControl = "N"
		}
		switch g.FlowControl {
		case "N", "H", "S":
		default:
			return fmt.Errorf("%s.flow_control %q unknown (N, H, S)", where, g.FlowControl)
		}
		if g.ReadTimeout == 0 {
			g.ReadTimeout = 2 * time.Second
		}
		if g.ReadTimeout < 0 {
			return fmt.Errorf("%s.read_timeout must be > 0", where)
		}
		if g.MinQuality == 0 {
			g.MinQuality = 1
		}
		if g.MinSatellites < 0 {
			return fmt.Errorf("%s.min_satellites must be >= 0", where)
		}
		if g.MaxHDOP < 0 {
			return fmt.Errorf("%s.max_hdop must be >= 0", where)
		}

		if err := claimUnit(units, g.ShmUnit, where); err != nil {
			return err
		}

		if g.PPS != nil {
			if g.PPS.Device == "" {
				return fmt.Errorf("%s.pps.device is required", where)
			}
			if g.PPS.GpioLine < 0 {
				return fmt.Errorf("%s.pps.gpio_line must be >= 0", where)
			}
			if err := claimUnit(units, g.PPS.ShmUnit, where+".pps"); err != nil {
				return err
			}
		}
	}

	return nil
}

// claimUnit records an NTP shared memory unit and rejects reuse. Two writers
// on one unit would interleave their samples and feed the consumer garbage.
func claimUnit(units map[int]string, unit *int, where string) error {
	if unit == nil {
		return nil
	}
	if *unit < 0 {
		return fmt.Errorf("%s.shm_unit must be >= 0", where)
	}
	if prev, dup := units[*unit]; dup {
		return fmt.Errorf("%s.shm_unit %d already used by %s", where, *unit, prev)
	}
	units[*unit] = where
	return nil
}

func checkFraming(s string) error {
	if len(s) != 3 {
		return fmt.Errorf("%q is not of the form 8N1", s)
	}
	if s[0] < '5' || s[0] > '8' {
		return fmt.Errorf("data bits %q out of range 5-8", s[0:1])
	}
	switch s[1] {
	case 'N', 'E', 'O':
	default:
		return fmt.Errorf("parity %q unknown (N, E, O)", s[1:2])
	}
	if s[2] != '1' && s[2] != '2' {
		return fmt.Errorf("stop bits %q out of range 1-2", s[2:3])
	}
	return nil
}
