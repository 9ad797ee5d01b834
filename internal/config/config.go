package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhuzhuor/saedeploy/internal/retry"
	"github.com/zhuzhuor/saedeploy/internal/svn"
)

const (
	// DescriptorFile names the application descriptor at the source root
	DescriptorFile = "config.yaml"
	// OptionFile holds default command-line arguments for one source tree
	OptionFile = ".saedeploy"
	// DefaultCacheDirName is created under the home directory in local-cache mode
	DefaultCacheDirName = ".saedeploy"
)

// ErrMissingCredentials is returned by Validate when the username or password
// is empty.
var ErrMissingCredentials = errors.New("username and password are required")

// ConfigError reports a missing or malformed application descriptor
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid application descriptor %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// App identifies the application and version being deployed
type App struct {
	Name    string
	Version string
}

// scalar accepts any YAML scalar and keeps its literal text, so that
// `version: 1` and `version: "1"` read the same.
type scalar string

func (s *scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a string or number", node.Line)
	}
	if node.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = scalar(node.Value)
	return nil
}

type descriptor struct {
	Name    scalar `yaml:"name"`
	Version scalar `yaml:"version"`
}

// LoadApp reads the application descriptor from the source directory dir
func LoadApp(dir string) (*App, error) {
	path := filepath.Join(dir, DescriptorFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to parse: %w", err)}
	}

	app := &App{
		Name:    strings.TrimSpace(string(d.Name)),
		Version: strings.TrimSpace(string(d.Version)),
	}
	if err := app.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return app, nil
}

// Validate checks that name and version can be used as path segments
func (a *App) Validate() error {
	if err := validSegment("name", a.Name); err != nil {
		return err
	}
	return validSegment("version", a.Version)
}

func validSegment(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("%s must not be %q", key, value)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%s must not contain a path separator: %s", key, value)
	}
	return nil
}

// Config is the complete configuration of one deployment run
type Config struct {
	SourceDir   string
	Server      string
	Credentials svn.Credentials
	Ignore      []string
	Verbose     bool
	TrustCert   bool
	LocalCache  bool
	CacheDir    string
	DryRun      bool
	Diff        bool
	Message     string
	Retry       retry.Policy
	MetricsFile string
	App         App
}

// Prepare expands environment variables, fills in defaults and validates the
// configuration.
func (c *Config) Prepare() error {
	c.expandEnv()
	c.applyDefaults()
	return c.Validate()
}

// expandEnv expands environment variables in path fields
func (c *Config) expandEnv() {
	c.SourceDir = os.ExpandEnv(c.SourceDir)
	c.CacheDir = os.ExpandEnv(c.CacheDir)
	c.MetricsFile = os.ExpandEnv(c.MetricsFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server == "" {
		c.Server = svn.DefaultServer
	}
	if c.Message == "" {
		c.Message = svn.DefaultCommitMessage
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.DefaultPolicy
	}
	if c.CacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.CacheDir = filepath.Join(home, DefaultCacheDirName)
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !c.Credentials.Complete() {
		return ErrMissingCredentials
	}

	if c.SourceDir == "" {
		return fmt.Errorf("source directory is required")
	}
	if !filepath.IsAbs(c.SourceDir) {
		return fmt.Errorf("source directory must be an absolute path: %s", c.SourceDir)
	}
	info, err := os.Stat(c.SourceDir)
	if err != nil {
		return fmt.Errorf("failed to stat source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source directory is not a directory: %s", c.SourceDir)
	}

	if !strings.Contains(c.Server, "://") {
		return fmt.Errorf("server must be a repository URL: %s", c.Server)
	}

	if c.LocalCache && c.CacheDir == "" {
		return fmt.Errorf("cache directory is required in local-cache mode")
	}

	if err := c.Retry.Validate(); err != nil {
		return err
	}

	return c.App.Validate()
}

// Workspace returns the persistent workspace in local-cache mode and an empty
// string otherwise.
func (c *Config) Workspace() string {
	if c.LocalCache {
		return c.CacheDir
	}
	return ""
}

// ReadOptionFile returns the arguments stored in the option file of dir.
// Every line starting with "-" is split on whitespace; other lines are
// ignored. A missing file yields no arguments.
func ReadOptionFile(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, OptionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read option file: %w", err)
	}

	var args []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") {
			continue
		}
		args = append(args, strings.Fields(line)...)
	}
	return args, nil
}

// SplitList splits a comma-separated list, dropping blank items
func SplitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
