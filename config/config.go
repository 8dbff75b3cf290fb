package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MPP"

// deviceNamespace derives stable device IDs from device addresses when none are configured.
var deviceNamespace = uuid.MustParse("6f1c2a54-3c1e-4f0b-9a55-1b8d7c0e2f41")

type DeviceConfig struct {
	Address string    `mapstructure:"address"`
	ID      uuid.UUID `mapstructure:"id"`
	Baud    int       `mapstructure:"baud"`
}

type MQTTConfig struct {
	Broker       string `mapstructure:"broker"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"clientId"`
	Prefix       string `mapstructure:"prefix"`
	PublishUnits bool   `mapstructure:"publishUnits"`
	Listen       bool   `mapstructure:"listen"`
}

type SupabaseConfig struct {
	Url string `mapstructure:"url"`
	// keys are usually specified via env vars
	AnonKey string `mapstructure:"anonKey"`
	UserKey string `mapstructure:"userKey"`
	Schema  string `mapstructure:"schema"`
	Table   string `mapstructure:"table"`
}

type DataPlatformConfig struct {
	UploadIntervalSecs int            `mapstructure:"uploadIntervalSecs"`
	BufferPath         string         `mapstructure:"bufferPath"`
	MaxUploadAttempts  uint           `mapstructure:"maxUploadAttempts"`
	Supabase           SupabaseConfig `mapstructure:"supabase"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type Config struct {
	// Device is a comma separated list of device addresses, used when Devices is empty.
	Device           string         `mapstructure:"device"`
	Devices          []DeviceConfig `mapstructure:"devices"`
	Baud             int            `mapstructure:"baud"`
	Catalog          string         `mapstructure:"catalog"`
	Queries          []string       `mapstructure:"queries"`
	PollIntervalSecs int            `mapstructure:"interval"`
	OnceOff          bool           `mapstructure:"onceoff"`
	GrabSettings     bool           `mapstructure:"grabsettings"`
	Debug            bool           `mapstructure:"debug"`

	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	DataPlatform DataPlatformConfig `mapstructure:"dataPlatform"`
}

// flagKeys maps command line flags onto their config keys.
var flagKeys = map[string]string{
	"device":       "device",
	"baud":         "baud",
	"catalog":      "catalog",
	"queries":      "queries",
	"interval":     "interval",
	"onceoff":      "onceoff",
	"grabsettings": "grabsettings",
	"debug":        "debug",
	"broker":       "mqtt.broker",
	"brokerport":   "mqtt.port",
	"username":     "mqtt.username",
	"password":     "mqtt.password",
	"prefix":       "mqtt.prefix",
	"publishunits": "mqtt.publishUnits",
	"listen":       "mqtt.listen",
	"metrics":      "metrics.listen",
}

// Flags returns the command line flags understood by Read.
func Flags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("mppgateway", pflag.ContinueOnError)
	flags.StringP("config", "c", "", "Config file (yaml or json)")
	flags.StringP("device", "d", "/dev/hidraw0", "Device(s) to communicate with [comma separated]")
	flags.IntP("baud", "b", 2400, "Baud rate for serial communications")
	flags.String("catalog", "", "Command catalog file or directory to use instead of the built-in one")
	flags.StringP("queries", "Q", "Q1,QPIGS", "Queries to run per loop in CSV format")
	flags.IntP("interval", "I", 30, "Number of seconds between publishing telemetry")
	flags.BoolP("onceoff", "O", false, "Run once-off")
	flags.BoolP("grabsettings", "s", false, "Also get the inverter settings")
	flags.BoolP("debug", "D", false, "Enable debug logging")
	flags.StringP("broker", "q", "", "MQTT broker hostname, MQTT is disabled when empty")
	flags.IntP("brokerport", "o", 1883, "MQTT broker port")
	flags.StringP("username", "u", "", "MQTT broker username")
	flags.StringP("password", "P", "", "MQTT broker password")
	flags.StringP("prefix", "p", "inverters", "MQTT topic prefix")
	flags.BoolP("publishunits", "U", false, "Publish units")
	flags.BoolP("listen", "L", false, "Listen for commands")
	flags.String("metrics", "", "Address to serve prometheus metrics on, e.g. :9100")
	return flags
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device", "/dev/hidraw0")
	v.SetDefault("baud", 2400)
	v.SetDefault("catalog", "")
	v.SetDefault("queries", "Q1,QPIGS")
	v.SetDefault("interval", 30)
	v.SetDefault("onceoff", false)
	v.SetDefault("grabsettings", false)
	v.SetDefault("debug", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clientId", "")
	v.SetDefault("mqtt.prefix", "inverters")
	v.SetDefault("mqtt.publishUnits", false)
	v.SetDefault("mqtt.listen", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("dataPlatform.uploadIntervalSecs", 5)
	v.SetDefault("dataPlatform.bufferPath", "telemetry.sqlite")
	v.SetDefault("dataPlatform.maxUploadAttempts", 0)
	v.SetDefault("dataPlatform.supabase.url", "")
	v.SetDefault("dataPlatform.supabase.anonKey", "")
	v.SetDefault("dataPlatform.supabase.userKey", "")
	v.SetDefault("dataPlatform.supabase.schema", "")
	v.SetDefault("dataPlatform.supabase.table", "")
}

// Read builds the configuration from defaults, the optional config file at `path`, MPP_ prefixed environment
// variables (e.g. MPP_MQTT_BROKER) and the given flags, each overriding the one before.
func Read(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			err := v.BindPFlag(key, flag)
			if err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var config Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	config.Queries = trimAll(config.Queries)

	err = config.validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// DeviceConfigs returns the devices to talk to. Devices without an ID get one derived from their address, so
// it stays the same across restarts.
func (c Config) DeviceConfigs() []DeviceConfig {
	devices := c.Devices
	if len(devices) == 0 {
		for _, address := range trimAll(strings.Split(c.Device, ",")) {
			devices = append(devices, DeviceConfig{Address: address})
		}
	}

	resolved := make([]DeviceConfig, 0, len(devices))
	for _, device := range devices {
		if device.ID == uuid.Nil {
			device.ID = uuid.NewSHA1(deviceNamespace, []byte(device.Address))
		}
		if device.Baud == 0 {
			device.Baud = c.Baud
		}
		resolved = append(resolved, device)
	}
	return resolved
}

func (c Config) validate() error {
	var errs []error
	if len(c.DeviceConfigs()) == 0 {
		errs = append(errs, errors.New("at least one device must be configured"))
	}
	for _, device := range c.Devices {
		if device.Address == "" {
			errs = append(errs, errors.New("device address must not be empty"))
		}
	}
	if c.PollIntervalSecs <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %d", c.PollIntervalSecs))
	}
	if c.DataPlatform.Supabase.Url != "" && c.DataPlatform.UploadIntervalSecs <= 0 {
		errs = append(errs, fmt.Errorf("upload interval must be positive, got %d", c.DataPlatform.UploadIntervalSecs))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func trimAll(items []string) []string {
	trimmed := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			trimmed = append(trimmed, item)
		}
	}
	return trimmed
}
