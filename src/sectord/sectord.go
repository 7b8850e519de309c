package sectord

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/config"
	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/net"
	"github.com/xornet/sectord/src/node"
	"github.com/xornet/sectord/src/service"
	"github.com/xornet/sectord/src/store"
)

// Sectord is the top-level wrapper. It assembles the transport, store, key,
// node, and HTTP service from a Config, and runs the node's state machine.
type Sectord struct {
	Config    *config.Config
	Node      *node.Node
	Transport net.Transport
	Store     store.Store
	Founders  []membership.Peer
	Service   *service.Service

	logger *logrus.Entry
}

// NewSectord instantiates an engine with a config, ready for Init.
func NewSectord(config *config.Config) *Sectord {
	engine := &Sectord{
		Config: config,
		logger: config.Logger(),
	}

	return engine
}

func (s *Sectord) initTransport() error {
	transport, err := net.NewTCPTransport(
		s.Config.BindAddr,
		s.Config.AdvertiseAddr,
		s.Config.MaxPool,
		s.Config.TCPTimeout,
		s.Config.JoinTimeout,
		s.logger,
	)

	if err != nil {
		return err
	}

	s.Transport = transport

	return nil
}

// initFounders loads the founder set from [datadir]/founders.json, unless one
// was set programmatically. Founders that recognize their own key in the set
// create the section; everyone else uses it as the bootstrap contact list.
func (s *Sectord) initFounders() error {
	if s.Founders != nil {
		return nil
	}

	founderStore := NewJSONFounders(s.Config.DataDir)

	founders, err := founderStore.Founders()
	if err != nil {
		return err
	}

	if len(founders) < 1 {
		return fmt.Errorf("founders.json should define at least one founder")
	}

	s.Founders = founders

	return nil
}

func (s *Sectord) initStore() error {
	if !s.Config.Store {
		s.logger.Debug("Node will run without a persistent store")
		return nil
	}

	s.logger.WithField("path", s.Config.DatabaseDir).Debug("Attempting to load or create database")

	db, err := store.LoadOrCreateBadgerStore(s.Config.DatabaseDir)
	if err != nil {
		return err
	}

	s.Store = db

	return nil
}

func (s *Sectord) initKey() error {
	if s.Config.Key == nil {
		pemKey := keys.NewPemKey(s.Config.Keyfile())

		privKey, err := pemKey.ReadKey()

		if err != nil {
			s.logger.Warn("Cannot read private key from file", err)

			privKey, err = Keygen(s.Config.Keyfile())

			if err != nil {
				s.logger.Error("Cannot generate a new private key", err)

				return err
			}

			s.logger.Info("Created a new key: ", keys.PublicKeyHex(&privKey.PublicKey))
		}

		s.Config.Key = privKey
	}
	return nil
}

func (s *Sectord) initNode() error {
	validator := node.NewValidator(s.Config.Key, s.Config.Moniker)

	s.logger.WithFields(logrus.Fields{
		"name":     validator.Name(),
		"founders": len(s.Founders),
	}).Debug("IDENTITY")

	s.Node = node.NewNode(
		s.Config,
		validator,
		s.Founders,
		s.Store,
		s.Transport,
	)

	if err := s.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (s *Sectord) initService() error {
	if !s.Config.NoService {
		s.Service = service.NewService(s.Config.ServiceAddr, s.Node, s.logger)
	}
	return nil
}

// Init builds the engine components in dependency order.
func (s *Sectord) Init() error {
	if err := s.initFounders(); err != nil {
		return err
	}

	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initTransport(); err != nil {
		return err
	}

	if err := s.initKey(); err != nil {
		return err
	}

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the HTTP service (if enabled) and blocks on the node's state
// machine until shutdown.
func (s *Sectord) Run() {
	if s.Service != nil {
		go s.Service.Serve()
	}

	s.Node.Run()
}

// Keygen generates a new identity key and writes it to keyfile. It refuses
// to overwrite an existing key.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	pemKey := keys.NewPemKey(keyfile)

	_, err := pemKey.ReadKey()

	if err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()

	if err != nil {
		return nil, err
	}

	if err := pemKey.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
