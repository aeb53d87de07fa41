package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".ndbg"
	configFile string = "config.yml"

	// DefaultEntrySymbol is the symbol the engine stops at when a session starts.
	DefaultEntrySymbol = "main"
	// DefaultMaxStackDepth bounds the frame-pointer walk.
	DefaultMaxStackDepth = 50
	// DefaultMaxStepInstructions bounds a single step-into request.
	DefaultMaxStepInstructions = 100000
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Substitute rewrites path using the first matching rule.
func (rules SubstitutePathRules) Substitute(path string) string {
	for _, r := range rules {
		if r.From == "" {
			continue
		}
		if path == r.From {
			return r.To
		}
		from := strings.TrimSuffix(r.From, "/") + "/"
		if strings.HasPrefix(path, from) {
			return filepath.Join(r.To, path[len(from):])
		}
	}
	return path
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// EntrySymbol is the function the initial transient breakpoint is
	// placed on.
	EntrySymbol string `yaml:"entry-symbol,omitempty"`

	// MaxStackDepth is the maximum number of frames captured on every stop.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// MaxStepInstructions is the maximum number of instructions a step
	// into request single-steps through before giving up.
	MaxStepInstructions *int `yaml:"max-step-instructions,omitempty"`

	// DisassembleFlavor can be "intel" (default), "gnu" or "go".
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`

	// Source list line-number color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	SourceListLineColor int `yaml:"source-list-line-color"`

	// ContinueOnStart resumes the target after the entry breakpoint.
	ContinueOnStart bool `yaml:"continue-on-start"`

	// KillOnExit kills the target when the debugger exits instead of
	// detaching from it.
	KillOnExit *bool `yaml:"kill-on-exit,omitempty"`

	// DebugInfoDirectories is the list of directories used to resolve
	// external debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`
}

// GetEntrySymbol returns the configured entry symbol or DefaultEntrySymbol.
func (c *Config) GetEntrySymbol() string {
	if c == nil || c.EntrySymbol == "" {
		return DefaultEntrySymbol
	}
	return c.EntrySymbol
}

// GetMaxStackDepth returns the configured stack depth or DefaultMaxStackDepth.
func (c *Config) GetMaxStackDepth() int {
	if c == nil || c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// GetMaxStepInstructions returns the configured bound or DefaultMaxStepInstructions.
func (c *Config) GetMaxStepInstructions() int {
	if c == nil || c.MaxStepInstructions == nil || *c.MaxStepInstructions <= 0 {
		return DefaultMaxStepInstructions
	}
	return *c.MaxStepInstructions
}

// GetKillOnExit reports whether the target should be killed on exit, true
// unless the config says otherwise.
func (c *Config) GetKillOnExit() bool {
	if c == nil || c.KillOnExit == nil {
		return true
	}
	return *c.KillOnExit
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

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
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
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the ndbg debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Uncomment the following line and set your preferred ANSI foreground color
# for source line numbers in the (list) command (if unset, default is 34,
# dark blue) See https://en.wikipedia.org/wiki/ANSI_escape_code#3/4_bit
# source-list-line-color: 34

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Define sources path substitution rules. Can be used to rewrite a source path stored
# in program's debug information, if the sources were moved to a different place
# between compilation and debugging.
substitute-path:
  # - {from: path, to: path}

# Function the debugger stops at when a session starts.
# entry-symbol: main

# Maximum number of frames captured when the target stops.
# max-stack-depth: 50

# Maximum number of instructions executed by a single 'step' request.
# max-step-instructions: 100000

# Disassembly syntax: intel, gnu or go.
# disassemble-flavor: intel

# Resume the target right after the entry breakpoint.
# continue-on-start: false

# Kill the target when the debugger exits (false detaches instead).
# kill-on-exit: true

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]
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
// NDBG_CONFIG_DIR overrides the default location in the home directory.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("NDBG_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
