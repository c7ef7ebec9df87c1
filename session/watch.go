package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radovskyb/watcher"
	"go.uber.org/zap"
)

// ImportWatcherConfig configures the session drop directory.
type ImportWatcherConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll-interval"`
}

var importedSessions = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_session",
	Name:      "imported_sessions",
	Help:      "Total number of session files picked up from the import directory.",
})

var importErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_session",
	Name:      "import_errors",
	Help:      "Total number of import watcher errors.",
})

func init() {
	prometheus.MustRegister(importedSessions)
	prometheus.MustRegister(importErrors)
}

// ImportWatcher watches a drop directory and emits the path of every session
// file created or moved there. Consumers decide what to do with the path;
// the watcher never loads anything itself.
type ImportWatcher struct {
	config  ImportWatcherConfig
	watcher *watcher.Watcher
	paths   chan string
	log     *zap.SugaredLogger
}

func NewImportWatcher(config ImportWatcherConfig) *ImportWatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &ImportWatcher{
		config: config,
		paths:  make(chan string, 16),
		log:    zap.L().Sugar().With("service", "import-watcher", "path", config.Path),
	}
}

// Paths delivers discovered session files.
func (iw *ImportWatcher) Paths() <-chan string {
	return iw.paths
}

func (iw *ImportWatcher) Close() {
	if iw.watcher != nil {
		iw.watcher.Close()
	}
}

func (iw *ImportWatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	iw.log.Debug("Initializing session import watcher..")

	iw.watcher = watcher.New()
	iw.watcher.FilterOps(watcher.Create, watcher.Move, watcher.Rename)

	go func() {
		defer close(iw.paths)
		for {
			select {
			case <-ctx.Done():
				iw.Close()
				return
			case event := <-iw.watcher.Event:
				if event.IsDir() || !strings.EqualFold(filepath.Ext(event.Path), FileExtension) {
					continue
				}
				importedSessions.Inc()
				iw.log.Infow("discovered session file", "file", event.Path)
				select {
				case iw.paths <- event.Path:
				case <-ctx.Done():
					iw.Close()
					return
				}
			case err := <-iw.watcher.Error:
				importErrors.Inc()
				iw.log.Errorw("import watcher error", "error", err)
			case <-iw.watcher.Closed:
				return
			}
		}
	}()

	if err := iw.watcher.Add(iw.config.Path); err != nil {
		iw.log.Errorw("could not watch import directory", "error", err)
		iw.Close()
		return
	}

	if err := iw.watcher.Start(iw.config.PollInterval); err != nil {
		iw.log.Errorw("import watcher stopped", "error", err)
	}

	iw.log.Info("Closed session import watcher")
}
