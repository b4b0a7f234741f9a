package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment variables read by the loader, e.g. ORDERSAGA_SERVER_PORT.
	EnvPrefix = "ORDERSAGA_"

	// ConfigPathEnv names a config file when no path is passed explicitly.
	ConfigPathEnv = EnvPrefix + "CONFIG"

	// Delimiter separates nested keys.
	Delimiter = "."
)

// searchPaths are tried in order when neither a path nor ConfigPathEnv is given.
var searchPaths = []string{
	"ordersaga.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/ordersaga.yaml",
	"/etc/ordersaga/config.yaml",
}

// Loader layers defaults, a config file, ORDERSAGA_* environment variables and explicit
// overrides, in that order, then validates the result.
type Loader struct {
	k        *koanf.Koanf
	defaults map[string]any
}

func NewLoader() *Loader {
	return &Loader{
		k:        koanf.New(Delimiter),
		defaults: flatten(DefaultConfig(), ""),
	}
}

type layer struct {
	name string
	load func() error
}

// Load builds a Config. configPath may be empty; overrides are flat dotted keys, usually
// from command-line flags.
func (l *Loader) Load(configPath string, overrides map[string]any) (*Config, error) {
	layers := []layer{
		{"defaults", func() error { return l.k.Load(confmap.Provider(l.defaults, Delimiter), nil) }},
		{"config file", func() error { return l.loadConfigFile(configPath) }},
		{"environment", l.loadEnv},
		{"overrides", func() error {
			if len(overrides) == 0 {
				return nil
			}
			return l.k.Load(confmap.Provider(overrides, Delimiter), nil)
		}},
		// A nested override map can replace a whole section and drop its defaults.
		{"defaults backfill", l.backfillDefaults},
	}
	for _, ly := range layers {
		if err := ly.load(); err != nil {
			return nil, fmt.Errorf("config %s: %w", ly.name, err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadConfigFile(path string) error {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		return l.loadFile(path)
	}
	for _, candidate := range searchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return l.loadFile(candidate)
		}
	}
	return nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

// loadEnv maps ORDERSAGA_BROKER_ORDERS_CHANNEL to broker.orders_channel by matching against
// the known keys first, so underscores inside a key name survive. Unknown names split on
// every underscore.
func (l *Loader) loadEnv() error {
	known := make(map[string]string, len(l.defaults))
	for key := range l.defaults {
		known[strings.ReplaceAll(key, Delimiter, "_")] = key
	}
	return l.k.Load(env.Provider(EnvPrefix, Delimiter, func(name string) string {
		name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		if key, ok := known[name]; ok {
			return key
		}
		return strings.ReplaceAll(name, "_", Delimiter)
	}), nil)
}

func (l *Loader) backfillDefaults() error {
	for key, value := range l.defaults {
		if l.k.Exists(key) {
			continue
		}
		if err := l.k.Set(key, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (l *Loader) Get(key string) any { return l.k.Get(key) }

func (l *Loader) GetString(key string) string { return l.k.String(key) }

func (l *Loader) GetInt(key string) int { return l.k.Int(key) }

func (l *Loader) GetBool(key string) bool { return l.k.Bool(key) }

func (l *Loader) Set(key string, value any) error { return l.k.Set(key, value) }

// Print renders the merged key space, one key per line.
func (l *Loader) Print() string { return l.k.Sprint() }

var durationType = reflect.TypeOf(time.Duration(0))

// flatten walks a mapstructure-tagged struct into dotted keys. Durations stay as their
// nanosecond count, empty maps are omitted and slices become []any for koanf.
func flatten(v any, prefix string) map[string]any {
	out := make(map[string]any)
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return out
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("mapstructure")
		if !f.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := rv.Field(i)
		switch {
		case fv.Type() == durationType:
			out[key] = fv.Int()
		case fv.Kind() == reflect.Ptr:
			if !fv.IsNil() {
				for k, nested := range flatten(fv.Interface(), key) {
					out[k] = nested
				}
			}
		case fv.Kind() == reflect.Struct:
			for k, nested := range flatten(fv.Interface(), key) {
				out[k] = nested
			}
		case fv.Kind() == reflect.Map:
			if fv.Len() > 0 {
				out[key] = fv.Interface()
			}
		case fv.Kind() == reflect.Slice:
			items := make([]any, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		default:
			out[key] = scalar(fv)
		}
	}
	return out
}

func scalar(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	default:
		return v.Interface()
	}
}

// Load reads configuration with a fresh Loader.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

// LoadOrDie is Load for programs that cannot start without configuration.
func LoadOrDie(configPath string, overrides map[string]any) *Config {
	cfg, err := Load(configPath, overrides)
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}
