package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/db"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	cancel   context.CancelFunc
	workers  *errgroup.Group
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	clientset, err := wireClients(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(log, cfg, clientset, reposet)
	if err != nil {
		log.Sync()
		return nil, err
	}
	handlerset, err := wireHandlers(log, reposet, serviceset)
	if err != nil {
		log.Sync()
		return nil, err
	}
	router := wireRouter(handlerset)

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Clients:  clientset,
		Repos:    reposet,
		Services: serviceset,
	}, nil
}

// Start runs the recovery scan, then launches the poll workers. The scan
// completes before any worker pops so jobs stranded by a previous crash are
// back on their queues first.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.Services.Scanner.Run(ctx); err != nil {
		a.Log.Warn("Recovery scan failed, continuing without it", "error", err)
	}

	group, workerCtx := errgroup.WithContext(ctx)
	a.workers = group
	for _, poller := range a.Services.Pollers {
		for i := 0; i < a.Cfg.PollConcurrency; i++ {
			p := poller
			group.Go(func() error {
				p.Run(workerCtx)
				return nil
			})
		}
	}
	return nil
}

func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(":" + a.Cfg.Port)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Services.Queue != nil {
		a.Services.Queue.Close()
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.workers != nil {
		a.workers.Wait()
		a.workers = nil
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
