package app

import (
	"github.com/fiffu/subscribable/config"
	"github.com/fiffu/subscribable/lib"
	"github.com/fiffu/subscribable/lib/queue"
	"github.com/fiffu/subscribable/lib/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewRegistry is where an embedding application registers its subscribable
// and notifier types before the plugin hooks are installed.
func NewRegistry() *registry.Registry {
	return registry.New()
}

func NewEngine(log *zap.Logger, db *gorm.DB, reg *registry.Registry) *lib.Engine {
	return lib.NewEngine(log, db, reg)
}

func NewService(cfg *config.Config, log *zap.Logger, reg *registry.Registry, engine *lib.Engine) *lib.Service {
	return lib.NewService(cfg, log, reg, engine)
}

// InstallHooks attaches the lifecycle plugin to the database. Invoked once
// at startup, after the registry is fully populated.
func InstallHooks(log *zap.Logger, db *gorm.DB, reg *registry.Registry, q queue.Queue, engine *lib.Engine) error {
	return db.Use(lib.NewPlugin(log, reg, q, engine))
}
