package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	lfshook "github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/dysfunction"
	"github.com/xornet/sectord/src/membership"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel      = "debug"
	DefaultBindAddr      = "127.0.0.1:1337"
	DefaultServiceAddr   = "127.0.0.1:8000"
	DefaultTCPTimeout    = 1000 * time.Millisecond
	DefaultJoinTimeout   = 10000 * time.Millisecond
	DefaultMaxPool       = 2
	DefaultStore         = false
	DefaultElderCount    = 7
	DefaultSplitThresh   = 14
	DefaultMinSection    = 4
	DefaultVoteTimeout   = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultKeyGenTimeout = 30 * time.Second
	DefaultHalfLife      = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
	DefaultSuspectScore  = 5.0
	DefaultEvictScore    = 10.0
	DefaultRetention     = 64
)

// Config contains all the configuration properties of a sectord node.
type Config struct {
	// DataDir is the top-level directory containing sectord configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to the given file via a logrus
	// hook. Console output is unaffected.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node exchanges votes and
	// key-generation messages with other section members. In some cases, there
	// may be a routable address that cannot be bound. Use AdvertiseAddr to
	// advertise a different address to support this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service. If not
	// specified, and "no-service" is not set, the API handlers are registered
	// with the DefaultServerMux of the http package.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the RPC
	// routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// JoinTimeout is the timeout of Join requests. Joins wait on a full round
	// of consensus so they get a longer deadline than regular RPCs.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Bootstrap determines whether or not to load the section state from an
	// existing database file. Forces Store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// ElderCount is the target number of elders per section.
	ElderCount int `mapstructure:"elder-count"`

	// SplitThreshold is the section size above which elders propose a split.
	// Both child sections must also satisfy MinSectionSize.
	SplitThreshold int `mapstructure:"split-threshold"`

	// MinSectionSize is the minimum number of joined members a section (or a
	// prospective split child) must have.
	MinSectionSize int `mapstructure:"min-section-size"`

	// VoteTimeout is how long a proposal may sit without reaching quorum
	// before the node re-broadcasts its votes.
	VoteTimeout time.Duration `mapstructure:"vote-timeout"`

	// MaxProposalRetries bounds the number of re-broadcast rounds before a
	// stalled proposal is abandoned.
	MaxProposalRetries int `mapstructure:"max-retries"`

	// KeyGenTimeout bounds a distributed key-generation session.
	KeyGenTimeout time.Duration `mapstructure:"keygen-timeout"`

	// DecayHalfLife is the half-life applied to dysfunction counters.
	DecayHalfLife time.Duration `mapstructure:"decay-half-life"`

	// SweepInterval is the period of the dysfunction sweep timer.
	SweepInterval time.Duration `mapstructure:"sweep-interval"`

	// SuspectThreshold is the dysfunction score above which a peer is
	// considered suspect.
	SuspectThreshold float64 `mapstructure:"suspect-threshold"`

	// EvictThreshold is the dysfunction score above which an elder proposes
	// the peer's removal.
	EvictThreshold float64 `mapstructure:"evict-threshold"`

	// RetentionFloor is the number of committed heights whose full state is
	// retained in the store; older heights keep only their chain links.
	RetentionFloor int `mapstructure:"retention-floor"`

	// Key is the private identity key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		BindAddr:           DefaultBindAddr,
		ServiceAddr:        DefaultServiceAddr,
		TCPTimeout:         DefaultTCPTimeout,
		JoinTimeout:        DefaultJoinTimeout,
		MaxPool:            DefaultMaxPool,
		Store:              DefaultStore,
		DatabaseDir:        DefaultDatabaseDir(),
		ElderCount:         DefaultElderCount,
		SplitThreshold:     DefaultSplitThresh,
		MinSectionSize:     DefaultMinSection,
		VoteTimeout:        DefaultVoteTimeout,
		MaxProposalRetries: DefaultMaxRetries,
		KeyGenTimeout:      DefaultKeyGenTimeout,
		DecayHalfLife:      DefaultHalfLife,
		SweepInterval:      DefaultSweepInterval,
		SuspectThreshold:   DefaultSuspectScore,
		EvictThreshold:     DefaultEvictScore,
		RetentionFloor:     DefaultRetention,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level sectord directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// MembershipConfig derives the consensus policy parameters.
func (c *Config) MembershipConfig() membership.Config {
	return membership.Config{
		ElderCount:     c.ElderCount,
		SplitThreshold: c.SplitThreshold,
		MinSectionSize: c.MinSectionSize,
		VoteTimeout:    c.VoteTimeout,
		MaxRetries:     c.MaxProposalRetries,
	}
}

// DysfunctionConfig derives the dysfunction-tracking policy parameters.
func (c *Config) DysfunctionConfig() dysfunction.Config {
	return dysfunction.Config{
		HalfLife:         c.DecayHalfLife,
		SuspectThreshold: c.SuspectThreshold,
		EvictThreshold:   c.EvictThreshold,
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "sectord". If
// LogFile is set, a file hook is attached the first time the logger is built.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				if level <= c.logger.Level {
					pathMap[level] = c.LogFile
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				&logrus.TextFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "sectord")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level sectord
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Sectord")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Sectord")
		} else {
			return filepath.Join(home, ".sectord")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
