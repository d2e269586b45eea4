// Package config holds the settings for a sound session and reads them from JSON files,
// attribute maps and command line overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/rtsound/ioport"
	"go.viam.com/rtsound/logging"
	"go.viam.com/rtsound/scheduler"
	"go.viam.com/rtsound/speaker"
)

// Port backends.
const (
	BackendDevPort = "devport"
	BackendGPIO    = "gpio"
	BackendFake    = "fake"
)

// DefaultPeriodNs is the toggle period when none is configured.
const DefaultPeriodNs = 100_000_000

// Config describes one sound session and the hardware it drives.
type Config struct {
	PeriodNs    int64          `json:"period_ns"`
	PortAddress ioport.Address `json:"port_address"`
	SoundMask   byte           `json:"sound_mask"`
	StackSize   int            `json:"stack_size"`
	Priority    int            `json:"priority"`
	TimerFreqHz int64          `json:"timer_freq_hz"`
	LogLevel    string         `json:"log_level"`

	Backend     string `json:"backend"`
	DevPortPath string `json:"dev_port_path,omitempty"`
	// GPIOPins maps a register bit index, as a decimal string, to a periph pin name.
	GPIOPins map[string]string `json:"gpio_pins,omitempty"`
}

// Default returns the PC speaker configuration.
func Default() *Config {
	return &Config{
		PeriodNs:    DefaultPeriodNs,
		PortAddress: speaker.DefaultAddress,
		SoundMask:   speaker.DefaultMask,
		StackSize:   scheduler.DefaultStackSize,
		Priority:    scheduler.LowestPriority,
		TimerFreqHz: scheduler.DefaultTimerFreqHz,
		LogLevel:    "info",
		Backend:     BackendDevPort,
		DevPortPath: ioport.DefaultDevPortPath,
	}
}

func newFieldRequiredError(path, field string) error {
	return errors.Errorf("error validating %q: %q is required", path, field)
}

func newValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

// Validate ensures all parts of the config are valid. path names the config in errors.
func (conf *Config) Validate(path string) error {
	if conf.PeriodNs <= 0 {
		return newValidationError(path, errors.Wrapf(scheduler.ErrInvalidPeriod, "period_ns %d", conf.PeriodNs))
	}
	if conf.SoundMask == 0 {
		return newFieldRequiredError(path, "sound_mask")
	}
	if conf.TimerFreqHz <= 0 {
		return newFieldRequiredError(path, "timer_freq_hz")
	}
	taskCfg := scheduler.TaskConfig{StackSize: conf.StackSize, Priority: conf.Priority}
	if err := taskCfg.Validate(); err != nil {
		return newValidationError(path, err)
	}
	if _, err := logging.LevelFromString(conf.LogLevel); err != nil {
		return newValidationError(path, err)
	}

	switch conf.Backend {
	case BackendDevPort:
		if conf.DevPortPath == "" {
			return newFieldRequiredError(path, "dev_port_path")
		}
	case BackendGPIO:
		if _, err := conf.PinNames(); err != nil {
			return newValidationError(path, err)
		}
	case BackendFake:
	default:
		return newValidationError(path, errors.Errorf("unknown backend %q, expected one of %q, %q, %q",
			conf.Backend, BackendDevPort, BackendGPIO, BackendFake))
	}
	return nil
}

// PinNames returns GPIOPins keyed by bit index.
func (conf *Config) PinNames() (map[uint]string, error) {
	if len(conf.GPIOPins) == 0 {
		return nil, errors.New("gpio backend needs at least one entry in gpio_pins")
	}
	pins := make(map[uint]string, len(conf.GPIOPins))
	for key, name := range conf.GPIOPins {
		bit, err := strconv.ParseUint(key, 10, 3)
		if err != nil {
			return nil, errors.Errorf("gpio_pins key %q is not a bit index 0-7", key)
		}
		if name == "" {
			return nil, errors.Errorf("gpio_pins bit %s has no pin name", key)
		}
		pins[uint(bit)] = name
	}
	for bit := uint(0); bit < 8; bit++ {
		if _, ok := pins[bit]; !ok && conf.SoundMask&(1<<bit) != 0 {
			return nil, errors.Errorf("sound_mask bit %d has no gpio pin", bit)
		}
	}
	return pins, nil
}

// TimeBase returns the scheduler time base for TimerFreqHz.
func (conf *Config) TimeBase() scheduler.TimeBase {
	base := scheduler.DefaultTimeBase()
	base.FreqHz = conf.TimerFreqHz
	return base
}

// FromAttributes decodes attrs over the defaults. Integer fields also accept strings such
// as "0x61". Unknown keys are an error.
func FromAttributes(attrs map[string]interface{}) (*Config, error) {
	conf := Default()
	if err := conf.Apply(attrs); err != nil {
		return nil, err
	}
	return conf, nil
}

// Apply decodes attrs over conf, leaving fields not named in attrs unchanged.
func (conf *Config) Apply(attrs map[string]interface{}) error {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     conf,
		Metadata:   &md,
		DecodeHook: integerStringHook,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(attrs); err != nil {
		return err
	}
	if len(md.Unused) != 0 {
		sort.Strings(md.Unused)
		return errors.Errorf("unknown config keys %q", md.Unused)
	}
	return nil
}

// integerStringHook parses strings bound for integer fields with base prefixes, so
// "0x61", "0o141" and "97" all decode to the same address.
func integerStringHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	s, ok := data.(string)
	if !ok || from.Kind() != reflect.String {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(s, 0, to.Bits())
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q as %s", s, to)
		}
		return v, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(s, 0, to.Bits())
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q as %s", s, to)
		}
		return v, nil
	default:
		return data, nil
	}
}

// FromJSON decodes a JSON object over the defaults. path is used in errors only.
func FromJSON(path string, data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var attrs map[string]interface{}
	if err := dec.Decode(&attrs); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	conf, err := FromAttributes(attrs)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode config %q", path)
	}
	return conf, nil
}

// Read reads a config from the given file, expanding ${VAR} references first.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromJSON(filePath, buf)
}

// String renders the settings that matter for a startup log line.
func (conf *Config) String() string {
	return fmt.Sprintf("period=%dns port=%s mask=0x%02x backend=%s", conf.PeriodNs, conf.PortAddress, conf.SoundMask, conf.Backend)
}
