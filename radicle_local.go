package radicle

import (
	"errors"
	"path/filepath"

	"github.com/oscoin/radicle/internal/adapters/eval/jsoneval"
	"github.com/oscoin/radicle/internal/adapters/pubsub/inproc"
	"github.com/oscoin/radicle/internal/adapters/store/badgerstore"
	"github.com/oscoin/radicle/internal/core"
)

// LocalDaemon is a Daemon bundled with the embedded adapters: a badger
// machine store under the data dir, in-process pubsub and the
// reference JSON evaluator. It covers single-host setups and tests;
// distributed deployments supply their own ports via NewDaemon.
type LocalDaemon struct {
	*Daemon

	store  *badgerstore.Store
	pubsub *inproc.PubSub
}

// NewLocalDaemon wires a daemon from the bundled adapters. A nil
// config gets defaults.
func NewLocalDaemon(config *Config) (*LocalDaemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if _, err := config.WithDefaults(); err != nil {
		return nil, err
	}

	store, err := badgerstore.Open(badgerstore.Options{
		Path: filepath.Join(config.DataDir, "store"),
	})
	if err != nil {
		return nil, err
	}

	pubsub := inproc.New()

	daemon, err := core.NewDaemon(config, store, pubsub, jsoneval.New())
	if err != nil {
		pubsub.Close()
		store.Close()
		return nil, err
	}

	return &LocalDaemon{Daemon: daemon, store: store, pubsub: pubsub}, nil
}

// Stop halts the daemon and releases the bundled adapters.
func (d *LocalDaemon) Stop() error {
	return errors.Join(
		d.Daemon.Stop(),
		d.pubsub.Close(),
		d.store.Close(),
	)
}
