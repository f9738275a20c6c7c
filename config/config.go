// Package config loads the agent configuration.
//
// The configuration is a single file named by the --config flag or the INKFRAME_CONFIG
// environment variable. YAML is the primary format; files ending in .json or .jsonc are
// read as JSON with comments. Fields missing from the file keep the values of Default,
// and a device without any file runs on Default alone.
//
// A few defaults are plain string variables so a firmware image can bake them in:
//
//	go build -ldflags "-X github.com/1set/inkframe/config.DefaultBaseURL=https://example.com/api"
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "INKFRAME_CONFIG"

// Build-time defaults, settable with -ldflags -X.
var (
	DefaultBaseURL   = "https://usetrmnl.com/api"
	DefaultAssetPath = "/screen.png"
	DefaultSleep     = "15m"
	DefaultInterface = "wlan0"
	FirmwareVersion  = "dev"
)

// Display drivers.
const (
	DriverMemory      = "memory"
	DriverWaveshare75 = "waveshare75"
)

// Sleep modes.
const (
	SleepWait = "wait"
	SleepRTC  = "rtc"
)

// Config is the complete agent configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Device  DeviceConfig  `yaml:"device"`
	Network NetworkConfig `yaml:"network"`
	Time    TimeConfig    `yaml:"time"`
	Storage StorageConfig `yaml:"storage"`
	Display DisplayConfig `yaml:"display"`
	Sleep   SleepConfig   `yaml:"sleep"`
}

// ServiceConfig describes the content service.
type ServiceConfig struct {
	// BaseURL is the API root; /setup and /display live below it.
	BaseURL string `yaml:"base_url"`

	// ImageScheme is prefixed to image URLs that come without one.
	// Default: https://
	ImageScheme string `yaml:"image_scheme"`

	// Timeout bounds every HTTP request.
	// Default: 15s
	Timeout time.Duration `yaml:"timeout"`

	// MinInterval spaces consecutive requests.
	MinInterval time.Duration `yaml:"min_interval"`

	// MaxAssetBytes caps the image download.
	MaxAssetBytes int64 `yaml:"max_asset_bytes"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	// Interface is the network interface whose MAC identifies the device.
	Interface string `yaml:"interface"`

	// MAC overrides the interface address, for hosts without Wi-Fi.
	MAC string `yaml:"mac"`

	// FirmwareVersion is reported to the service.
	FirmwareVersion string `yaml:"firmware_version"`
}

// NetworkConfig controls the association wait.
type NetworkConfig struct {
	AssociationAttempts int           `yaml:"association_attempts"`
	AssociationInterval time.Duration `yaml:"association_interval"`
}

// TimeConfig controls NTP synchronization.
type TimeConfig struct {
	// Enabled turns the sync step on.
	Enabled bool `yaml:"enabled"`

	Servers  []string      `yaml:"servers"`
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Timeout  time.Duration `yaml:"timeout"`

	// SetSystemClock applies the result to the system clock so TLS certificate checks
	// see the right time. It needs CAP_SYS_TIME; without it every sync is reported as
	// failed. Set it to false on hosts where the OS already keeps time.
	SetSystemClock bool `yaml:"set_system_clock"`
}

// StorageConfig locates the image asset.
type StorageConfig struct {
	// Dir is the directory backing the byte store. ${HOME} and ${VAR:-default} expand.
	Dir string `yaml:"dir"`

	// AssetPath is the asset location inside the store.
	AssetPath string `yaml:"asset_path"`
}

// DisplayConfig selects and configures the panel.
type DisplayConfig struct {
	// Driver is "memory" or "waveshare75".
	Driver string `yaml:"driver"`

	// Width and Height size the memory panel and are reported to the service.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Invert swaps ink and blank.
	Invert bool `yaml:"invert"`

	// Pages splits a memory panel frame into passes.
	Pages int `yaml:"pages"`

	// PBMPath receives the memory panel frame on power off.
	PBMPath string `yaml:"pbm_path"`

	// Waveshare wiring.
	SPIPort     string        `yaml:"spi_port"`
	SPISpeedHz  int64         `yaml:"spi_speed_hz"`
	DCPin       string        `yaml:"dc_pin"`
	RSTPin      string        `yaml:"rst_pin"`
	BusyPin     string        `yaml:"busy_pin"`
	PageRows    int           `yaml:"page_rows"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SleepConfig controls the end-of-cycle sleep.
type SleepConfig struct {
	// Mode is "wait" (stay running) or "rtc" (suspend with an RTC wake alarm,
	// falling back to wait).
	Mode string `yaml:"mode"`

	// Default is used when the service did not provide a refresh rate.
	Default time.Duration `yaml:"default"`

	WakeAlarm string `yaml:"wake_alarm"`
	StateFile string `yaml:"state_file"`
}

// Default returns the default configuration.
func Default() *Config {
	sleep, err := time.ParseDuration(DefaultSleep)
	if err != nil || sleep <= 0 {
		sleep = 15 * time.Minute
	}
	return &Config{
		Service: ServiceConfig{
			BaseURL:       DefaultBaseURL,
			ImageScheme:   "https://",
			Timeout:       15 * time.Second,
			MinInterval:   250 * time.Millisecond,
			MaxAssetBytes: 8 << 20,
		},
		Device: DeviceConfig{
			Interface:       DefaultInterface,
			FirmwareVersion: FirmwareVersion,
		},
		Network: NetworkConfig{
			AssociationAttempts: 60,
			AssociationInterval: 500 * time.Millisecond,
		},
		Time: TimeConfig{
			Enabled:  true,
			Servers:  []string{"pool.ntp.org", "time.google.com"},
			Attempts: 10,
			Delay:    500 * time.Millisecond,
			Timeout:  5 * time.Second,

			SetSystemClock: true,
		},
		Storage: StorageConfig{
			Dir:       "${HOME}/.cache/inkframe",
			AssetPath: DefaultAssetPath,
		},
		Display: DisplayConfig{
			Driver:      DriverMemory,
			Width:       800,
			Height:      480,
			Pages:       1,
			SPIPort:     "",
			DCPin:       "GPIO25",
			RSTPin:      "GPIO17",
			BusyPin:     "GPIO24",
			PageRows:    48,
			BusyTimeout: 30 * time.Second,
		},
		Sleep: SleepConfig{
			Mode:      SleepWait,
			Default:   sleep,
			WakeAlarm: "/sys/class/rtc/rtc0/wakealarm",
			StateFile: "/sys/power/state",
		},
	}
}

// Load loads the file named by INKFRAME_CONFIG, or returns Default when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of Default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := cfg.parse(path, data); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) parse(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML once comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

func (c *Config) expandVariables() {
	c.Storage.Dir = expandVars(c.Storage.Dir)
	c.Display.PBMPath = expandVars(c.Display.PBMPath)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Service.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("service.base_url must be an http(s) URL, got %q", c.Service.BaseURL))
	}
	if c.Service.Timeout <= 0 {
		errs = append(errs, errors.New("service.timeout must be positive"))
	}
	if c.Service.MaxAssetBytes <= 0 {
		errs = append(errs, errors.New("service.max_asset_bytes must be positive"))
	}
	if c.Device.MAC == "" && c.Device.Interface == "" {
		errs = append(errs, errors.New("device.interface or device.mac is required"))
	}
	if c.Network.AssociationAttempts < 1 {
		errs = append(errs, errors.New("network.association_attempts must be at least 1"))
	}
	if c.Time.Enabled && (len(c.Time.Servers) == 0 || c.Time.Attempts < 1) {
		errs = append(errs, errors.New("time: at least one server and one attempt are required"))
	}
	if c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir is required"))
	}
	if strings.Trim(c.Storage.AssetPath, "/ ") == "" {
		errs = append(errs, errors.New("storage.asset_path is required"))
	}
	switch c.Display.Driver {
	case DriverMemory:
		if c.Display.Width <= 0 || c.Display.Height <= 0 {
			errs = append(errs, errors.New("display.width and display.height must be positive"))
		}
	case DriverWaveshare75:
		if c.Display.DCPin == "" || c.Display.RSTPin == "" || c.Display.BusyPin == "" {
			errs = append(errs, errors.New("display: dc_pin, rst_pin and busy_pin are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("display.driver %q is not one of %s, %s", c.Display.Driver, DriverMemory, DriverWaveshare75))
	}
	switch c.Sleep.Mode {
	case SleepWait, SleepRTC:
	default:
		errs = append(errs, fmt.Errorf("sleep.mode %q is not one of %s, %s", c.Sleep.Mode, SleepWait, SleepRTC))
	}
	if c.Sleep.Default <= 0 {
		errs = append(errs, errors.New("sleep.default must be positive"))
	}

	return errors.Join(errs...)
}
