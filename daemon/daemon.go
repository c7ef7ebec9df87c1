// Package daemon assembles the service: configuration, session, trigger
// controller, acquisition driver, import watcher and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wavecap/wavecap/acquisition"
	"github.com/wavecap/wavecap/api"
	"github.com/wavecap/wavecap/config"
	"github.com/wavecap/wavecap/history"
	"github.com/wavecap/wavecap/notify"
	"github.com/wavecap/wavecap/session"
	"github.com/wavecap/wavecap/trigger"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

const defaultConfigPath = "config.yaml"

type sampler interface {
	GetSample() int
	Close()
}

type Daemon struct {
	log      *zap.SugaredLogger
	config   *config.Config
	version  string
	commit   string
	backends history.BackendGenerator

	sess       *session.Context
	controller *trigger.Controller
	driver     *acquisition.Driver
	notifier   notify.Notifier
	sampler    sampler
	watcher    *session.ImportWatcher
	echo       *echo.Echo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDaemon(version, gitCommit string) *Daemon {
	cfg, err := config.NewConfig(defaultConfigPath)
	if err != nil {
		cfg, _ = config.NewConfigFromStr([]byte("{}"))
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	logger, buildErr := logCfg.Build()
	if buildErr == nil {
		zap.ReplaceGlobals(logger)
	}

	log := zap.L().Sugar().With("service", "daemon")
	if err != nil {
		log.Warnw("could not read config file, using defaults", "path", defaultConfigPath, "error", err)
	}

	return &Daemon{
		log:     log,
		config:  cfg,
		version: version,
		commit:  gitCommit,
	}
}

func (d *Daemon) Run() {
	cfg := d.config

	if cfg.Database.Path != "" {
		d.backends = history.NewDiskBackendGenerator(cfg.Database.Path)
	} else {
		d.backends = history.NewMemoryBackendGenerator()
	}

	d.sess = d.openSession()
	d.controller = trigger.NewController(d.sess.Scopes())
	d.driver = acquisition.NewDriver(d.sess, d.controller)
	d.sampler = acquisition.NewRateSampler(d.driver.CaptureCount)

	d.notifier = notify.NullNotifier{}
	if cfg.Notifier != nil {
		d.notifier = notify.NewKafkaNotifier(*cfg.Notifier)
	}
	d.driver.AddCaptureHook(func(tp waveform.TimePoint) {
		d.notifier.CaptureComplete("wavecap", tp)
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.driver.Run(ctx, &d.wg)

	if cfg.Session.ImportWatcher != nil {
		d.watcher = session.NewImportWatcher(*cfg.Session.ImportWatcher)
		d.wg.Add(2)
		go d.watcher.Run(ctx, &d.wg)
		go d.consumeImports()
	}

	d.echo = echo.New()
	d.echo.HideBanner = true
	d.echo.HidePort = true
	d.echo.Use(middleware.Recover())

	g := d.echo.Group(cfg.BaseURL)
	api.RegisterApiHandlers(g, d.version, d.commit, d.sess, d.driver, d.sampler)
	g.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	d.log.Infow("listening", "address", cfg.Listener)
	if err := d.echo.Start(cfg.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.log.Fatalw("http server failed", "error", err)
	}
}

// openSession restores the autoload session when one is configured, falling
// back to an empty session when it cannot be read.
func (d *Daemon) openSession() *session.Context {
	cfg := d.config
	if cfg.Session.Autoload == "" {
		return session.NewContext(d.backends)
	}

	sess, err := session.Load(cfg.Session.Autoload, session.LoadOptions{
		LoadWaveforms: true,
		Backends:      d.backends,
	})
	if sess == nil {
		d.log.Warnw("could not restore session, starting empty", "file", cfg.Session.Autoload, "error", err)
		return session.NewContext(d.backends)
	}
	if err != nil {
		d.log.Warnw("session restored with errors", "file", cfg.Session.Autoload, "error", err)
	}
	d.applyHistoryDepth(sess)
	return sess
}

func (d *Daemon) applyHistoryDepth(sess *session.Context) {
	depth := d.config.Session.HistoryDepth
	if depth <= 0 {
		return
	}
	for _, inst := range sess.Scopes() {
		if err := sess.History(inst).SetMaxDepth(depth); err != nil {
			d.log.Warnw("applying history depth", "instrument", inst.Name(), "error", err)
		}
	}
}

// consumeImports folds dropped session files into the running session.
func (d *Daemon) consumeImports() {
	defer d.wg.Done()
	for path := range d.watcher.Paths() {
		imported, err := session.Load(path, session.LoadOptions{
			LoadWaveforms: true,
			Backends:      d.backends,
		})
		if imported == nil {
			d.log.Warnw("could not import session", "file", path, "error", err)
			continue
		}
		if err != nil {
			d.log.Warnw("session imported with errors", "file", path, "error", err)
		}
		d.applyHistoryDepth(imported)
		added := d.sess.Absorb(imported)
		d.controller.AddScopes(added...)
		d.log.Infow("imported session", "file", path, "instruments", len(d.sess.Scopes()))
	}
}

func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.echo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.echo.Shutdown(ctx); err != nil {
			d.log.Warnw("http shutdown", "error", err)
		}
	}
	d.wg.Wait()

	if d.sampler != nil {
		d.sampler.Close()
	}
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			d.log.Warnw("closing notifier", "error", err)
		}
	}
	if d.sess != nil {
		d.sess.Close()
	}
	zap.L().Sync()
}
