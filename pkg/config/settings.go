package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvProtocol    = "PLC_PROTOCOL"
	EnvRole        = "PLC_ROLE"
	EnvPort        = "PLC_PORT"
	EnvName        = "PLC_NAME"
	EnvIdentity    = "PLC_IDENTITY"
	EnvRegisterDir = "PLC_REGISTER_DIR"
	EnvTick        = "PLC_TICK"
	EnvLogLevel    = "PLC_LOG_LEVEL"
	EnvMetricsAddr = "PLC_METRICS_ADDR"
	EnvProtocolLog = "PLC_PROTOCOL_LOG"
	EnvAdvertise   = "PLC_ADVERTISE"
	EnvConfig      = "PLC_CONFIG"
)

// Setting defaults.
const (
	DefaultRegisterDir = "/app/registers"
	DefaultTick        = time.Second
	DefaultLogLevel    = "info"
)

// ErrInvalidSetting wraps a setting that cannot be parsed.
var ErrInvalidSetting = errors.New("invalid setting")

// Settings is the full runtime configuration of plc-sim.
type Settings struct {
	Protocol    string        `yaml:"protocol"`
	Role        string        `yaml:"role"`
	Port        int           `yaml:"port"`
	Name        string        `yaml:"name"`
	Identity    string        `yaml:"identity"`
	RegisterDir string        `yaml:"register_dir"`
	Tick        time.Duration `yaml:"tick"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`
	ProtocolLog string        `yaml:"protocol_log"`
	Advertise   bool          `yaml:"advertise"`

	// Interactive starts the operator console. Flag only.
	Interactive bool `yaml:"-"`

	// ConfigFile is the YAML file that was read, if any.
	ConfigFile string `yaml:"-"`
}

// Defaults returns the settings before any source is applied. Protocol,
// role, port and name stay empty so Resolve can tell them apart.
func Defaults() Settings {
	return Settings{
		RegisterDir: DefaultRegisterDir,
		Tick:        DefaultTick,
		LogLevel:    DefaultLogLevel,
	}
}

// Explicit returns the values to pass to Resolve.
func (s Settings) Explicit() Explicit {
	return Explicit{Protocol: s.Protocol, Role: s.Role, Port: s.Port, Name: s.Name}
}

// LoadFile overlays the keys present in a YAML file.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, path, err)
	}
	s.ConfigFile = path
	return nil
}

// ApplyEnv overlays the PLC_* variables found by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvProtocol, &s.Protocol)
	str(EnvRole, &s.Role)
	str(EnvName, &s.Name)
	str(EnvIdentity, &s.Identity)
	str(EnvRegisterDir, &s.RegisterDir)
	str(EnvLogLevel, &s.LogLevel)
	str(EnvMetricsAddr, &s.MetricsAddr)
	str(EnvProtocolLog, &s.ProtocolLog)

	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidSetting, EnvPort, v)
		}
		s.Port = port
	}
	if v, ok := lookup(EnvTick); ok && v != "" {
		tick, err := time.ParseDuration(v)
		if err != nil || tick <= 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidSetting, EnvTick, v)
		}
		s.Tick = tick
	}
	if v, ok := lookup(EnvAdvertise); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidSetting, EnvAdvertise, v)
		}
		s.Advertise = b
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment. A missing
// file is not an error; variables already set are not overridden.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load gathers settings from defaults, the YAML file named by -config or
// PLC_CONFIG, the environment and the flags in args, in that order.
func Load(name string, args []string, lookup func(string) (string, bool), output io.Writer) (Settings, error) {
	fl := Defaults()
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fset.SetOutput(output)
	}
	fset.StringVar(&fl.ConfigFile, "config", "", "YAML configuration file (env "+EnvConfig+")")
	fset.StringVar(&fl.Protocol, "protocol", "", "Protocol: modbus, opcua, enip (env "+EnvProtocol+")")
	fset.StringVar(&fl.Role, "role", "", "Register map role (env "+EnvRole+")")
	fset.IntVar(&fl.Port, "port", 0, "Listen port, 0 for the protocol default (env "+EnvPort+")")
	fset.StringVar(&fl.Name, "name", "", "PLC name (env "+EnvName+")")
	fset.StringVar(&fl.Identity, "identity", "", "Deployment identity, default host name (env "+EnvIdentity+")")
	fset.StringVar(&fl.RegisterDir, "registers", fl.RegisterDir, "Register map directory (env "+EnvRegisterDir+")")
	fset.DurationVar(&fl.Tick, "tick", fl.Tick, "Process update interval (env "+EnvTick+")")
	fset.StringVar(&fl.LogLevel, "log-level", fl.LogLevel, "Log level: debug, info, warn, error (env "+EnvLogLevel+")")
	fset.StringVar(&fl.MetricsAddr, "metrics", "", "Metrics listen address, e.g. :9100 (env "+EnvMetricsAddr+")")
	fset.StringVar(&fl.ProtocolLog, "protocol-log", "", "Protocol capture file (env "+EnvProtocolLog+")")
	fset.BoolVar(&fl.Advertise, "advertise", false, "Advertise the endpoint via mDNS (env "+EnvAdvertise+")")
	fset.BoolVar(&fl.Interactive, "interactive", false, "Start the operator console")
	if err := fset.Parse(args); err != nil {
		return Settings{}, err
	}

	s := Defaults()
	path := fl.ConfigFile
	if path == "" {
		path, _ = lookup(EnvConfig)
	}
	if path != "" {
		if err := s.LoadFile(path); err != nil {
			return Settings{}, err
		}
	}
	if err := s.ApplyEnv(lookup); err != nil {
		return Settings{}, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "protocol":
			s.Protocol = fl.Protocol
		case "role":
			s.Role = fl.Role
		case "port":
			s.Port = fl.Port
		case "name":
			s.Name = fl.Name
		case "identity":
			s.Identity = fl.Identity
		case "registers":
			s.RegisterDir = fl.RegisterDir
		case "tick":
			s.Tick = fl.Tick
		case "log-level":
			s.LogLevel = fl.LogLevel
		case "metrics":
			s.MetricsAddr = fl.MetricsAddr
		case "protocol-log":
			s.ProtocolLog = fl.ProtocolLog
		case "advertise":
			s.Advertise = fl.Advertise
		case "interactive":
			s.Interactive = fl.Interactive
		}
	})

	if s.Tick <= 0 {
		return Settings{}, fmt.Errorf("%w: tick %v", ErrInvalidSetting, s.Tick)
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidSetting, s)
	}
	return level, nil
}

// NewLogger returns the operational text logger for the given level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	l, err := ParseLevel(level)
	if err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}
