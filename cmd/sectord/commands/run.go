package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xornet/sectord/src/sectord"
)

// NewRunCmd returns the command that starts a sectord node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runSectord,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runSectord(cmd *cobra.Command, args []string) error {
	engine := sectord.NewSectord(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate log output to this file")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for sectord node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for sectord node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().DurationP("join_timeout", "j", _config.JoinTimeout, "Join Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load from database")
	cmd.Flags().Int("retention-floor", _config.RetentionFloor, "Number of chain links retained for catch-up")

	// Section policy
	cmd.Flags().Int("elder-count", _config.ElderCount, "Target number of elders per section")
	cmd.Flags().Int("split-threshold", _config.SplitThreshold, "Section size above which elders propose a split")
	cmd.Flags().Int("min-section-size", _config.MinSectionSize, "Minimum joined members per section")
	cmd.Flags().Duration("vote-timeout", _config.VoteTimeout, "Time before a stalled proposal is re-broadcast")
	cmd.Flags().Int("max-retries", _config.MaxProposalRetries, "Re-broadcast rounds before a proposal is abandoned")
	cmd.Flags().Duration("keygen-timeout", _config.KeyGenTimeout, "Bound on a distributed key-generation session")

	// Dysfunction tracking
	cmd.Flags().Duration("decay-half-life", _config.DecayHalfLife, "Half-life of dysfunction scores")
	cmd.Flags().Duration("sweep-interval", _config.SweepInterval, "Period of the dysfunction sweep timer")
	cmd.Flags().Float64("suspect-threshold", _config.SuspectThreshold, "Dysfunction score above which a peer is suspect")
	cmd.Flags().Float64("evict-threshold", _config.EvictThreshold, "Dysfunction score above which eviction is proposed")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":            _config.DataDir,
		"BindAddr":           _config.BindAddr,
		"AdvertiseAddr":      _config.AdvertiseAddr,
		"ServiceAddr":        _config.ServiceAddr,
		"NoService":          _config.NoService,
		"MaxPool":            _config.MaxPool,
		"Store":              _config.Store,
		"LogLevel":           _config.LogLevel,
		"Moniker":            _config.Moniker,
		"TCPTimeout":         _config.TCPTimeout,
		"JoinTimeout":        _config.JoinTimeout,
		"ElderCount":         _config.ElderCount,
		"SplitThreshold":     _config.SplitThreshold,
		"MinSectionSize":     _config.MinSectionSize,
		"VoteTimeout":        _config.VoteTimeout,
		"MaxProposalRetries": _config.MaxProposalRetries,
		"KeyGenTimeout":      _config.KeyGenTimeout,
		"DecayHalfLife":      _config.DecayHalfLife,
		"SweepInterval":      _config.SweepInterval,
		"SuspectThreshold":   _config.SuspectThreshold,
		"EvictThreshold":     _config.EvictThreshold,
		"RetentionFloor":     _config.RetentionFloor,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
		logFields["Bootstrap"] = _config.Bootstrap
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/sectord.toml (.json, .yaml also work)
	viper.SetConfigName("sectord")      // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from the config file
	return viper.Unmarshal(_config)
}
