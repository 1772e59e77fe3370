// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2017-2023 The Spacemesh developers

package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/chunkstore"
	"github.com/anoma/trusted-setup-ceremony/logging"
	"github.com/anoma/trusted-setup-ceremony/verifier"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultRPCPort        = 50002
	defaultRESTPort       = 8080
	defaultAdminPort      = 50003
	defaultCacheSize      = 256
	defaultMaxGrpcMsgSize = 128 << 20
)

// Config defines the configuration options for the coordinator.
//
// Values are layered: defaults, then the config file, then the command line.
//
//nolint:lll
type Config struct {
	CeremonyDir      string  `long:"ceremonydir"    description:"The base directory that contains the coordinator's data, logs, configuration file, etc."`
	ConfigFile       string  `long:"configfile"     description:"Path to configuration file"                                                            short:"c"`
	DataDir          string  `long:"datadir"        description:"The directory to store chunk payloads within"                                          short:"b"`
	DbDir            string  `long:"dbdir"          description:"The directory to store the ceremony state within"`
	LogDir           string  `long:"logdir"         description:"Directory to log output."`
	DebugLog         bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog          bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles      int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize   int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawRPCListener   string  `long:"rpclisten"      description:"The interface/port/socket to listen for participant RPC connections"                   short:"r"`
	RawRESTListener  string  `long:"restlisten"     description:"The interface/port/socket to listen for REST connections"                              short:"w"`
	RawAdminListener string  `long:"adminlisten"    description:"The interface/port/socket to listen for operator RPC connections"`
	MetricsPort      *uint16 `long:"metrics-port"   description:"The port to expose metrics"`
	MaxGrpcMsgSize   int     `long:"max-grpc-msg"   description:"Maximum size of a gRPC message in bytes"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Ceremony ceremony.Config `group:"Ceremony"`
	Verifier VerifierConfig  `group:"Verifier"`
	Store    StoreConfig     `group:"Store"`
}

type VerifierConfig struct {
	Engine string `long:"verifier"    description:"Contribution verifier" choice:"hashchain" choice:"ptau"`
	Powers int    `long:"ptau-powers" description:"Number of G1 powers per chunk for the ptau verifier"`
}

// implement zap.ObjectMarshaler interface.
func (c VerifierConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("engine", c.Engine)
	enc.AddInt("powers", c.Powers)
	return nil
}

//nolint:lll
type StoreConfig struct {
	Backend     string `long:"store-backend"      description:"Chunk payload storage"                                       choice:"leveldb" choice:"sqlite"`
	CacheSize   int    `long:"store-cache-size"   description:"Number of chunk payloads kept in memory"`
	SyncWrites  bool   `long:"sync-writes"        description:"Fsync every storage write"`
	MigrateFrom string `long:"store-migrate-from" description:"Move chunk states from this backend into the configured one" choice:"leveldb" choice:"sqlite"`
}

// implement zap.ObjectMarshaler interface.
func (c StoreConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("backend", c.Backend)
	enc.AddInt("cache-size", c.CacheSize)
	enc.AddBool("sync-writes", c.SyncWrites)
	enc.AddString("migrate-from", c.MigrateFrom)
	return nil
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	ceremonyDir := "./ceremony"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		ceremonyDir = filepath.Join(cacheDir, "ceremony")
	}

	return &Config{
		CeremonyDir:      ceremonyDir,
		DataDir:          filepath.Join(ceremonyDir, defaultDataDirname),
		DbDir:            filepath.Join(ceremonyDir, defaultDbDirName),
		LogDir:           filepath.Join(ceremonyDir, defaultLogDirname),
		MaxLogFiles:      defaultMaxLogFiles,
		MaxLogFileSize:   defaultMaxLogFileSize,
		RawRPCListener:   fmt.Sprintf("localhost:%d", defaultRPCPort),
		RawRESTListener:  fmt.Sprintf("localhost:%d", defaultRESTPort),
		RawAdminListener: fmt.Sprintf("localhost:%d", defaultAdminPort),
		MaxGrpcMsgSize:   defaultMaxGrpcMsgSize,
		Ceremony:         ceremony.DefaultConfig(),
		Verifier: VerifierConfig{
			Engine: verifier.PowersOfTauName,
			Powers: verifier.DefaultPTauPower,
		},
		Store: StoreConfig{
			Backend:   chunkstore.BackendLevelDB,
			CacheSize: defaultCacheSize,
		},
	}
}

// Validate checks values the flag parser cannot.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Ceremony.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Verifier.Engine == verifier.PowersOfTauName && c.Verifier.Powers < 2 {
		errs = append(errs, fmt.Errorf("ptau-powers must be at least 2, got %d", c.Verifier.Powers))
	}
	if c.Store.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("store-cache-size must be positive, got %d", c.Store.CacheSize))
	}
	if c.Store.MigrateFrom != "" && c.Store.MigrateFrom == c.Store.Backend {
		errs = append(errs, fmt.Errorf("cannot migrate the %s store into itself", c.Store.Backend))
	}
	if c.MaxGrpcMsgSize <= 0 {
		errs = append(errs, fmt.Errorf("max-grpc-msg must be positive, got %d", c.MaxGrpcMsgSize))
	}
	return errors.Join(errs...)
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided ceremony directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.CeremonyDir != defaultCfg.CeremonyDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.CeremonyDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.CeremonyDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.CeremonyDir, defaultDbDirName)
		}
	}

	// Create the ceremony directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.CeremonyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.CeremonyDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
