package lib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' global configurations of each module of the node */

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath  = "config.json"     // the file path for the node configuration
	ValKeyPath      = "validator_key"   // the file path for the node's private key
	StakeTablePath  = "stake_table.json" // the file path for the genesis stake table
	FaultReportPath = "faults.json"      // the file path where the simulator dumps the fault report
)

// Config is the structure of the user configuration options for a consensus node
type Config struct {
	MainConfig      // main options spanning over all modules
	RPCConfig       // diagnostics api options
	StoreConfig     // persistence options
	P2PConfig       // network options
	ConsensusConfig // bft options
	MetricsConfig   // telemetry options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:      DefaultMainConfig(),
		RPCConfig:       DefaultRPCConfig(),
		StoreConfig:     DefaultStoreConfig(),
		P2PConfig:       DefaultP2PConfig(),
		ConsensusConfig: DefaultConsensusConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel string `json:"logLevel"` // any level includes the levels above it: debug < info < warning < error
	NodeName string `json:"nodeName"` // the name this node tags its logs with
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel: "info", // everything but debug is the default
		NodeName: "node",
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// RPC CONFIG BELOW

type RPCConfig struct {
	RPCPort  string `json:"rpcPort"`  // the port where the diagnostics server is hosted
	TimeoutS int    `json:"timeoutS"` // the rpc request timeout in seconds
}

// DefaultRPCConfig() serves the diagnostics api on localhost:50002
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		RPCPort:  "50002",
		TimeoutS: 3,
	}
}

// CONSENSUS CONFIG BELOW

// ConsensusConfig defines the view timing of the bft engine
// NOTES:
// - a view lasts at least MinRoundTimeMS when the leader is honest
// - the view deadline starts at MinViewTimeoutMS and grows by TimeoutAdjustmentFactor per failed view, up to MaxViewTimeoutMS
// - HappyPathMaxRoundFailures failed views are tolerated before the deadline starts to grow
type ConsensusConfig struct {
	MinRoundTimeMS            int     `json:"minRoundTimeMS"`            // the minimum view duration enforced by the leader before proposing
	MinViewTimeoutMS          int     `json:"minViewTimeoutMS"`          // the shortest view deadline
	MaxViewTimeoutMS          int     `json:"maxViewTimeoutMS"`          // the longest view deadline
	TimeoutAdjustmentFactor   float64 `json:"timeoutAdjustmentFactor"`   // the multiplicative growth of the deadline per failed view
	HappyPathMaxRoundFailures uint64  `json:"happyPathMaxRoundFailures"` // failed views before the deadline starts to grow
	MaxConsecutiveTimeouts    uint64  `json:"maxConsecutiveTimeouts"`    // consecutive timed out views before 'chain not progressing' is escalated
	MaxFutureViews            uint64  `json:"maxFutureViews"`            // how far ahead of the local view messages are buffered
	MaxFutureMessages         int     `json:"maxFutureMessages"`         // how many future view messages are buffered in total
	MaxBlockSize              string  `json:"maxBlockSize"`              // the largest payload a leader proposes or a replica accepts (e.g. "1MB")
}

// DefaultConsensusConfig() configures the view timing
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		MinRoundTimeMS:            100,  // 1/10 second
		MinViewTimeoutMS:          2000, // 2 seconds
		MaxViewTimeoutMS:          30000, // 30 seconds
		TimeoutAdjustmentFactor:   1.5,
		HappyPathMaxRoundFailures: 2,
		MaxConsecutiveTimeouts:    10,
		MaxFutureViews:            16,
		MaxFutureMessages:         1024,
		MaxBlockSize:              "1MB",
	}
}

// MinRoundTime() returns the minimum view duration
func (c *ConsensusConfig) MinRoundTime() time.Duration {
	return time.Duration(c.MinRoundTimeMS) * time.Millisecond
}

// MinViewTimeout() returns the shortest view deadline
func (c *ConsensusConfig) MinViewTimeout() time.Duration {
	return time.Duration(c.MinViewTimeoutMS) * time.Millisecond
}

// MaxViewTimeout() returns the longest view deadline
func (c *ConsensusConfig) MaxViewTimeout() time.Duration {
	return time.Duration(c.MaxViewTimeoutMS) * time.Millisecond
}

// MaxBlockSizeBytes() parses the human readable block size limit
func (c *ConsensusConfig) MaxBlockSizeBytes() (uint64, ErrorI) {
	size, err := units.ParseStrictBytes(c.MaxBlockSize)
	if err != nil || size <= 0 {
		return 0, ErrInvalidConfig(fmt.Sprintf("maxBlockSize %q", c.MaxBlockSize))
	}
	return uint64(size), nil
}

// Validate() checks the consensus options are usable
func (c *ConsensusConfig) Validate() ErrorI {
	switch {
	case c.MinViewTimeoutMS <= 0:
		return ErrInvalidConfig("minViewTimeoutMS must be positive")
	case c.MaxViewTimeoutMS < c.MinViewTimeoutMS:
		return ErrInvalidConfig("maxViewTimeoutMS must not be below minViewTimeoutMS")
	case c.TimeoutAdjustmentFactor < 1:
		return ErrInvalidConfig("timeoutAdjustmentFactor must be at least 1")
	case c.MinRoundTimeMS < 0 || c.MinRoundTimeMS >= c.MinViewTimeoutMS:
		return ErrInvalidConfig("minRoundTimeMS must be below minViewTimeoutMS")
	}
	_, err := c.MaxBlockSizeBytes()
	return err
}

// P2P CONFIG BELOW

// P2PConfig defines the in-process network behavior and the retry policy of outbound sends
type P2PConfig struct {
	InboxSize          int    `json:"inboxSize"`          // buffered messages per node before sends fail
	MaxSendRetries     uint64 `json:"maxSendRetries"`     // retries of a failed send before it's surfaced as a fault
	InitialRetryMS     int    `json:"initialRetryMS"`     // the first backoff interval
	MaxRetryIntervalMS int    `json:"maxRetryIntervalMS"` // the cap of the backoff interval
	LatencyMS          int    `json:"latencyMS"`          // artificial delivery latency (simulation)
}

func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		InboxSize:          1024,
		MaxSendRetries:     3,
		InitialRetryMS:     10,
		MaxRetryIntervalMS: 200,
		LatencyMS:          0,
	}
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath string `json:"dataDirPath"` // path of the designated folder where the application stores its data
	DBName      string `json:"dbName"`      // name of the database
	InMemory    bool   `json:"inMemory"`    // non-disk database, only for testing
}

// DefaultDataDirPath() is $USERHOME/.hotshot
func DefaultDataDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".hotshot")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath: DefaultDataDirPath(), // use the default data dir path
		DBName:      "hotshot",            // 'hotshot' database name
		InMemory:    false,                // persist to disk, not memory
	}
}

// METRICS CONFIG BELOW

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`           // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           true,           // enabled by default
		PrometheusAddress: "0.0.0.0:9090", // the default prometheus address
	}
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, jsonBytes, 0644)
}

// NewConfigFromFile() populates a Config object from a JSON file
func NewConfigFromFile(filepath string) (Config, error) {
	fileBytes, err := os.ReadFile(filepath)
	if err != nil {
		return Config{}, err
	}
	// define the default config to fill in any blanks in the file
	c := DefaultConfig()
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
