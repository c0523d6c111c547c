// Package config loads and validates the capshim configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the default config
// file path.
const EnvConfigPath = "CAPSHIM_CONFIG"

// Config defines runtime settings for capshim.
type Config struct {
	// ModuleName is the host module WASM guests import from.
	ModuleName string `yaml:"module_name" validate:"required" jsonschema:"default=cheriot"`

	// HeapBase fixes the guest address of the heap arena. Zero uses the
	// guest's exported __heap_base.
	HeapBase uint32 `yaml:"heap_base"`

	// HeapQuota is the size in bytes of each guest's heap arena.
	HeapQuota uint32 `yaml:"heap_quota" validate:"gte=8" jsonschema:"minimum=8,default=65536"`

	// AllocTimeout bounds how long an allocation waits for memory.
	AllocTimeout time.Duration `yaml:"alloc_timeout" validate:"gt=0" jsonschema:"type=string,default=50ms"`

	// RandomSeed seeds the deterministic random byte stream.
	RandomSeed uint16 `yaml:"random_seed" validate:"ne=0" jsonschema:"minimum=1,maximum=65535,default=44257"`

	// MaxPrintSize limits a single print fragment.
	MaxPrintSize uint32 `yaml:"max_print_size" validate:"gt=0" jsonschema:"minimum=1,default=1048576"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		ModuleName:   "cheriot",
		HeapQuota:    64 * 1024,
		AllocTimeout: 50 * time.Millisecond,
		RandomSeed:   0xACE1,
		MaxPrintSize: 1024 * 1024,
	}
}

// validate is a package-level singleton; creating a validator per call is
// expensive.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field. The first violation is returned as a
// *errors.ConfigError naming the offending key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domainerrors.ConfigError{
			Field: fe.Field(),
			Err:   fmt.Errorf("failed %q check (got %v)", fe.Tag(), fe.Value()),
		}
	}
	return &domainerrors.ConfigError{Err: err}
}

// DefaultPath returns the config file named by CAPSHIM_CONFIG, or "".
func DefaultPath() string {
	return os.Getenv(EnvConfigPath)
}

// Schema returns the JSON Schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		FieldNameTag:   "yaml",
	}
	schema := reflector.Reflect(&Config{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
