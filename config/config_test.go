package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/rtsound/ioport"
	"go.viam.com/rtsound/scheduler"
)

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	test.That(t, conf.Validate("default"), test.ShouldBeNil)
	test.That(t, conf.PeriodNs, test.ShouldEqual, int64(100_000_000))
	test.That(t, conf.PortAddress, test.ShouldEqual, ioport.Address(0x61))
	test.That(t, conf.SoundMask, test.ShouldEqual, byte(0x02))
	test.That(t, conf.StackSize, test.ShouldEqual, 1024)
	test.That(t, conf.Priority, test.ShouldEqual, scheduler.LowestPriority)
	test.That(t, conf.TimeBase(), test.ShouldResemble, scheduler.DefaultTimeBase())
	test.That(t, conf.String(), test.ShouldEqual, "period=100000000ns port=0x61 mask=0x02 backend=devport")
}

func TestFromAttributes(t *testing.T) {
	conf, err := FromAttributes(map[string]interface{}{
		"period_ns":    50_000_000,
		"port_address": "0x378",
		"sound_mask":   "0b100",
		"backend":      "fake",
		"log_level":    "debug",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.PeriodNs, test.ShouldEqual, int64(50_000_000))
	test.That(t, conf.PortAddress, test.ShouldEqual, ioport.Address(0x378))
	test.That(t, conf.SoundMask, test.ShouldEqual, byte(0x04))
	test.That(t, conf.Backend, test.ShouldEqual, BackendFake)
	// untouched fields keep their defaults
	test.That(t, conf.StackSize, test.ShouldEqual, scheduler.DefaultStackSize)
	test.That(t, conf.Validate("attrs"), test.ShouldBeNil)
}

func TestFromAttributesErrors(t *testing.T) {
	_, err := FromAttributes(map[string]interface{}{"perod_ns": 5})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "perod_ns")

	_, err = FromAttributes(map[string]interface{}{"sound_mask": "0x100"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = FromAttributes(map[string]interface{}{"port_address": "speaker"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		mutate   func(*Config)
		contains string
	}{
		{"zero period", func(c *Config) { c.PeriodNs = 0 }, "period must be positive"},
		{"no mask", func(c *Config) { c.SoundMask = 0 }, `"sound_mask" is required`},
		{"no timer", func(c *Config) { c.TimerFreqHz = 0 }, `"timer_freq_hz" is required`},
		{"stack", func(c *Config) { c.StackSize = 0 }, "stack size must be positive"},
		{"priority", func(c *Config) { c.Priority = -1 }, "priority -1 outside"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"backend", func(c *Config) { c.Backend = "serial" }, `unknown backend "serial"`},
		{"dev port path", func(c *Config) { c.DevPortPath = "" }, `"dev_port_path" is required`},
		{"no pins", func(c *Config) { c.Backend = BackendGPIO }, "at least one entry"},
		{"bad bit", func(c *Config) {
			c.Backend = BackendGPIO
			c.GPIOPins = map[string]string{"9": "GPIO17"}
		}, `key "9" is not a bit index`},
		{"mask without pin", func(c *Config) {
			c.Backend = BackendGPIO
			c.GPIOPins = map[string]string{"0": "GPIO17"}
		}, "sound_mask bit 1 has no gpio pin"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := Default()
			tc.mutate(conf)
			err := conf.Validate("rtsound")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldStartWith, `error validating "rtsound"`)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.contains)
		})
	}

	conf := Default()
	conf.PeriodNs = -5
	test.That(t, errors.Is(conf.Validate("rtsound"), scheduler.ErrInvalidPeriod), test.ShouldBeTrue)
}

func TestPinNames(t *testing.T) {
	conf := Default()
	conf.Backend = BackendGPIO
	conf.GPIOPins = map[string]string{"1": "GPIO17", "4": "GPIO27"}
	test.That(t, conf.Validate("gpio"), test.ShouldBeNil)

	pins, err := conf.PinNames()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pins, test.ShouldResemble, map[uint]string{1: "GPIO17", 4: "GPIO27"})
}

func TestRead(t *testing.T) {
	t.Setenv("RTSOUND_TEST_PERIOD", "250000000")
	dir := t.TempDir()
	path := filepath.Join(dir, "rtsound.json")
	test.That(t, os.WriteFile(path, []byte(`{
		"period_ns": ${RTSOUND_TEST_PERIOD},
		"port_address": "0x61",
		"sound_mask": 2,
		"backend": "gpio",
		"gpio_pins": {"1": "GPIO18"},
		"timer_freq_hz": 1000000
	}`), 0o600), test.ShouldBeNil)

	conf, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.PeriodNs, test.ShouldEqual, int64(250_000_000))
	test.That(t, conf.SoundMask, test.ShouldEqual, byte(2))
	test.That(t, conf.TimerFreqHz, test.ShouldEqual, int64(1_000_000))
	test.That(t, conf.GPIOPins, test.ShouldResemble, map[string]string{"1": "GPIO18"})
	test.That(t, conf.Validate(path), test.ShouldBeNil)

	_, err = Read(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"period_ns": `), 0o600), test.ShouldBeNil)
	_, err = Read(bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot parse config")
}

func TestSampleConfigs(t *testing.T) {
	t.Setenv("RTSOUND_BUZZER_PIN", "GPIO18")
	for _, name := range []string{"pc_speaker.json", "gpio_buzzer.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join("..", "etc", "configs", name)
			conf, err := Read(path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, conf.Validate(path), test.ShouldBeNil)
			test.That(t, conf.PortAddress, test.ShouldEqual, ioport.Address(0x61))
			test.That(t, conf.SoundMask, test.ShouldEqual, byte(0x02))
		})
	}
}
