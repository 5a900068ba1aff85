package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"crate/internal/api"
	"crate/internal/config"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/watchlist"
)

// commandContext carries lazily loaded configuration and store access shared
// by all subcommands. Commands open the database directly; SQLite's WAL mode
// and busy retries make that safe alongside a running daemon.
type commandContext struct {
	configFlag *string
	jsonOutput bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// stores bundles the open database handles one command invocation uses.
type stores struct {
	cfg   *config.Config
	queue *queue.Store
	lib   *library.Store
	watch *watchlist.Store
}

func (s *stores) queueService() *api.QueueService {
	return api.NewQueueService(s.queue, s.lib, logging.NewNop())
}

func (s *stores) libraryService() *api.LibraryService {
	return api.NewLibraryService(s.lib, s.queue, s.watch, logging.NewNop())
}

// withStores opens the shared database, runs fn, and closes the handle.
func (c *commandContext) withStores(fn func(*stores) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(&stores{
		cfg:   cfg,
		queue: store,
		lib:   library.NewStore(store.DB()),
		watch: watchlist.NewStore(store.DB()),
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
