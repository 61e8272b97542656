// Package config reads the runner configuration file (HCL).
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/jaracil/simcom"
	"github.com/jaracil/simcom/power"
	"github.com/juju/errors"
)

// Config is the runner configuration file, one block per concern.
type Config struct { //nolint:maligned
	Serial struct {
		Device  string `hcl:"device"`
		Baud    int    `hcl:"baud"`
		Charset string `hcl:"charset"`
	} `hcl:"serial"`

	Modem struct {
		Retry             int    `hcl:"retry"`
		SettleMs          int    `hcl:"settle_ms"`
		LongSettleMs      int    `hcl:"long_settle_ms"`
		Mode              string `hcl:"mode"`
		ModeReport        bool   `hcl:"mode_report"`
		KeepActiveOnRetry bool   `hcl:"keep_active_on_retry"`
		StrictReplies     bool   `hcl:"strict_replies"`
	} `hcl:"modem"`

	Network struct {
		APN string `hcl:"apn"`
	} `hcl:"network"`

	Endpoint struct {
		ClientID     string `hcl:"client_id"`
		URL          string `hcl:"url"`
		Port         int    `hcl:"port"`
		Username     string `hcl:"username"`
		Password     string `hcl:"password"` // secret
		KeepAliveSec int    `hcl:"keepalive_sec"`
	} `hcl:"endpoint"`

	Azure struct {
		Enable   bool   `hcl:"enable"`
		DeviceID string `hcl:"device_id"`
		Hub      string `hcl:"hub"`
		SasToken string `hcl:"sas_token"` // secret
	} `hcl:"azure"`

	Publish struct {
		// Message is sent once after subscribe, empty disables
		Message string `hcl:"message"`
	} `hcl:"publish"`

	Restart struct {
		Enable    bool   `hcl:"enable"`
		PinChip   string `hcl:"pin_chip"`
		Pin       int    `hcl:"pin"`
		ActiveLow bool   `hcl:"active_low"`
		PressMs   int    `hcl:"press_ms"`
		BootSec   int    `hcl:"boot_sec"`
		// MaxSec caps the pause between connect cycles
		MaxSec int `hcl:"max_sec"`
	} `hcl:"restart"`

	HTTP struct {
		Listen string `hcl:"listen"`
	} `hcl:"http"`

	Log struct {
		Level string `hcl:"level"`
	} `hcl:"log"`
}

// Serial defaults.
const (
	DefaultDevice = "/dev/ttyS0"
	DefaultBaud   = 115200
)

// Parse decodes HCL text and fills defaults.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "config unmarshal")
	}
	c.defaults()
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config read path=%s", path)
	}
	c, err := Parse(b)
	return c, errors.Annotatef(err, "config path=%s", path)
}

func (c *Config) defaults() {
	if c.Serial.Device == "" {
		c.Serial.Device = DefaultDevice
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = DefaultBaud
	}
	if c.Modem.Mode == "" {
		c.Modem.Mode = simcom.ModeLTENB.String()
	}
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = 1883
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first setting that prevents the runner from starting.
func (c *Config) Validate() error {
	if c.Network.APN == "" {
		return errors.NotValidf("network.apn empty")
	}
	if _, err := simcom.ParseSystemMode(c.Modem.Mode); err != nil {
		return errors.Annotate(err, "modem.mode")
	}
	if c.Azure.Enable {
		if c.Azure.DeviceID == "" || c.Azure.Hub == "" {
			return errors.NotValidf("azure.device_id and azure.hub required")
		}
		return nil
	}
	if c.Endpoint.ClientID == "" || c.Endpoint.URL == "" {
		return errors.NotValidf("endpoint.client_id and endpoint.url required")
	}
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return errors.NotValidf("endpoint.port=%d", c.Endpoint.Port)
	}
	return nil
}

// Driver converts modem settings into a driver configuration.
// Transport and Log are left to the caller.
func (c *Config) Driver() simcom.Config {
	return simcom.Config{
		Retry:             c.Modem.Retry,
		Settle:            time.Duration(c.Modem.SettleMs) * time.Millisecond,
		LongSettle:        time.Duration(c.Modem.LongSettleMs) * time.Millisecond,
		StrictReplies:     c.Modem.StrictReplies,
		KeepActiveOnRetry: c.Modem.KeepActiveOnRetry,
		Charset:           c.Serial.Charset,
	}
}

// SystemMode returns the parsed modem.mode, valid after Validate.
func (c *Config) SystemMode() simcom.SystemMode {
	m, _ := simcom.ParseSystemMode(c.Modem.Mode)
	return m
}

// EndpointConfig returns the plain MQTT broker settings.
func (c *Config) EndpointConfig() simcom.EndpointConfig {
	return simcom.EndpointConfig{
		ClientID:  c.Endpoint.ClientID,
		URL:       c.Endpoint.URL,
		Port:      c.Endpoint.Port,
		Username:  c.Endpoint.Username,
		Password:  c.Endpoint.Password,
		KeepAlive: c.Endpoint.KeepAliveSec,
	}
}

// Power returns the PWRKEY settings of the restart block.
func (c *Config) Power() power.Config {
	return power.Config{
		Chip:      c.Restart.PinChip,
		Line:      uint32(c.Restart.Pin),
		ActiveLow: c.Restart.ActiveLow,
		Press:     time.Duration(c.Restart.PressMs) * time.Millisecond,
		Boot:      time.Duration(c.Restart.BootSec) * time.Second,
	}
}
