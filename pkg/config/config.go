package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".dlv-async"
	configFile string = "config.yml"
)

const (
	// DefaultRequestTimeout is used when request-timeout is not set.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultMaxAsyncDepth is used when max-async-depth is not set.
	DefaultMaxAsyncDepth = 256
	// DefaultTypeCacheSize is used when type-cache-size is not set.
	DefaultTypeCacheSize = 1024
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// RequestTimeout is the maximum time a single request to the target
	// can take, for example "10s". A request that times out aborts the
	// query.
	RequestTimeout string `yaml:"request-timeout,omitempty"`

	// MaxAsyncDepth is the maximum number of continuations printed by
	// async-stack.
	MaxAsyncDepth *int `yaml:"max-async-depth,omitempty"`

	// TypeCacheSize is the number of reference types whose metadata is
	// cached by the JDWP client.
	TypeCacheSize *int `yaml:"type-cache-size,omitempty"`

	// Prompt color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	PromptColor int `yaml:"prompt-color"`
}

// Timeout returns the configured request timeout.
func (c *Config) Timeout() time.Duration {
	if c == nil || c.RequestTimeout == "" {
		return DefaultRequestTimeout
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return DefaultRequestTimeout
	}
	return d
}

// AsyncDepth returns the configured maximum async stack depth.
func (c *Config) AsyncDepth() int {
	if c == nil || c.MaxAsyncDepth == nil || *c.MaxAsyncDepth <= 0 {
		return DefaultMaxAsyncDepth
	}
	return *c.MaxAsyncDepth
}

// CacheSize returns the configured size of the type metadata cache.
func (c *Config) CacheSize() int {
	if c == nil || c.TypeCacheSize == nil || *c.TypeCacheSize <= 0 {
		return DefaultTypeCacheSize
	}
	return *c.TypeCacheSize
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	c, err := Parse(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

// Parse decodes a configuration file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.RequestTimeout); err != nil {
			return nil, fmt.Errorf("invalid request-timeout %q: %v", c.RequestTimeout, err)
		}
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dlv-async.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Uncomment the following line and set your preferred ANSI foreground color
# for the prompt (if unset, default is 34, dark blue).
# prompt-color: 34

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum time a single request to the target VM may take.
# request-timeout: 10s

# Maximum number of continuations printed by async-stack.
# max-async-depth: 256

# Number of reference types whose metadata is cached per connection.
# type-cache-size: 1024
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
