// Package app assembles the offline sync engine from configuration: one
// shared local store and, per collection, a remote source, cache tiers, a
// sync manager and a repository.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/repository"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
)

// ErrUnknownCollection is returned for collections the app was not
// configured with.
var ErrUnknownCollection = errors.New("app: unknown collection")

// App owns every collaborator it creates and releases them in Close.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	hub       *remote.Hub
	monitor   connectivity.Monitor
	prober    *connectivity.Prober
	managers  []*syncer.Manager
	repos     map[string]*repository.Repository
	scheduler *syncer.Scheduler
}

type options struct {
	fs      afero.Fs
	hub     *remote.Hub
	monitor connectivity.Monitor
	clock   syncer.Clock
}

// Option customizes collaborators, mostly for tests.
type Option func(*options)

// WithFS sets the filesystem for the disk cache tier.
func WithFS(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithHub sets the in-process remote used when no remote base URL is
// configured.
func WithHub(h *remote.Hub) Option {
	return func(o *options) {
		o.hub = h
	}
}

// WithMonitor replaces the connectivity monitor derived from configuration.
func WithMonitor(m connectivity.Monitor) Option {
	return func(o *options) {
		o.monitor = m
	}
}

// WithClock sets the clock used by every sync manager.
func WithClock(c syncer.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Backoff converts the configured retry policy.
func Backoff(cfg config.SyncConfig) syncer.Backoff {
	return syncer.Backoff{
		Base:        cfg.Backoff.Base,
		Max:         cfg.Backoff.Max,
		Multiplier:  cfg.Backoff.Multiplier,
		Jitter:      cfg.Backoff.Jitter,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// New opens the store and builds every configured collection. Pending work
// persisted by an earlier process is queued again before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs(), clock: syncer.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		hub:    o.hub,
		repos:  make(map[string]*repository.Repository, len(cfg.Collections)),
	}
	if cfg.Remote.BaseURL == "" && a.hub == nil {
		a.hub = remote.NewHub()
		logger.Warn("no remote configured, using an in-process remote")
	}
	if err := a.setupMonitor(o.monitor); err != nil {
		a.Close()
		return nil, err
	}
	if a.prober != nil {
		// One-shot callers never start the prober loop; probe once so they
		// see the remote as it is rather than offline.
		a.prober.Probe(ctx)
	}

	for _, name := range cfg.Collections {
		if err := a.addCollection(ctx, name, o); err != nil {
			a.Close()
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
	}

	if cfg.Sync.Schedule != "" {
		a.scheduler, err = syncer.NewScheduler(cfg.Sync.Schedule, logger, a.managers...)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) setupMonitor(m connectivity.Monitor) error {
	switch {
	case m != nil:
		a.monitor = m
	case a.cfg.Remote.BaseURL == "" || a.cfg.Connectivity.ProbeInterval <= 0:
		a.monitor = connectivity.AlwaysOnline{}
	default:
		health, err := remote.NewClient(a.cfg.Remote.BaseURL, a.cfg.Collections[0], remote.WithHTTPClient(a.httpClient()))
		if err != nil {
			return err
		}
		a.prober = connectivity.NewProber(health.Ping, a.cfg.Connectivity.ProbeInterval,
			connectivity.WithFailThreshold(a.cfg.Connectivity.FailThreshold),
			connectivity.WithProbeTimeout(a.cfg.Remote.Timeout),
			connectivity.WithProberLogger(a.logger.With("component", "prober")),
		)
		a.monitor = a.prober
	}
	return nil
}

func (a *App) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.Remote.Timeout}
}

func (a *App) source(name string) (remote.Source, error) {
	if a.cfg.Remote.BaseURL == "" {
		return a.hub.Collection(name), nil
	}
	return remote.NewClient(a.cfg.Remote.BaseURL, name, remote.WithHTTPClient(a.httpClient()))
}

func (a *App) tiers(name string, fs afero.Fs) (*cache.Tiered, error) {
	mem, err := cache.NewMemory(a.cfg.Cache.MemoryEntries)
	if err != nil {
		return nil, err
	}
	if a.cfg.Cache.DiskDir == "" {
		return cache.NewTiered(mem, nil), nil
	}
	disk, err := cache.NewDisk(fs, filepath.Join(a.cfg.Cache.DiskDir, name), a.cfg.Cache.DiskMaxBytes,
		cache.WithDiskLogger(a.logger.With("component", "disk_cache", "collection", name)))
	if err != nil {
		return nil, err
	}
	return cache.NewTiered(mem, disk), nil
}

func (a *App) addCollection(ctx context.Context, name string, o options) error {
	src, err := a.source(name)
	if err != nil {
		return err
	}
	tiers, err := a.tiers(name, o.fs)
	if err != nil {
		return err
	}

	coll := a.store.Collection(name)
	mgr, err := syncer.New(coll, src,
		syncer.WithClock(o.clock),
		syncer.WithBackoff(Backoff(a.cfg.Sync)),
		syncer.WithWorkers(a.cfg.Sync.Workers),
		syncer.WithCallTimeout(a.cfg.Sync.CallTimeout),
		syncer.WithMonitor(a.monitor),
		syncer.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.managers = append(a.managers, mgr)

	restored, err := mgr.Load(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		a.logger.Info("restored pending sync work", "collection", name, "tasks", restored)
	}

	repo, err := repository.New(coll, src, mgr,
		repository.WithCache(tiers),
		repository.WithFreshness(a.cfg.Sync.Freshness),
		repository.WithFetchTimeout(a.cfg.Remote.Timeout),
		repository.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.repos[name] = repo
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Store returns the shared local store.
func (a *App) Store() *store.Store {
	return a.store
}

// Hub returns the in-process remote, or nil when a remote URL is configured.
func (a *App) Hub() *remote.Hub {
	return a.hub
}

// Monitor returns the connectivity monitor shared by all collections.
func (a *App) Monitor() connectivity.Monitor {
	return a.monitor
}

// Collections returns the configured collection names, sorted.
func (a *App) Collections() []string {
	names := make([]string, 0, len(a.repos))
	for name := range a.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Repository returns the repository for collection name.
func (a *App) Repository(name string) (*repository.Repository, error) {
	repo, ok := a.repos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return repo, nil
}

// SyncAll runs one pending sync pass over every collection.
func (a *App) SyncAll(ctx context.Context) (map[string]syncer.SyncReport, error) {
	reports := make(map[string]syncer.SyncReport, len(a.repos))
	for _, name := range a.Collections() {
		report, err := a.repos[name].Sync(ctx)
		if err != nil {
			return reports, fmt.Errorf("sync %s: %w", name, err)
		}
		reports[name] = report
	}
	return reports, nil
}

// Run keeps every collection syncing until ctx is cancelled: the prober
// tracks connectivity, and either the cron schedule or each manager's run
// loop dispatches pending work.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.prober != nil {
		g.Go(func() error {
			if err := a.prober.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if a.scheduler != nil {
		a.scheduler.Start()
		g.Go(func() error {
			<-ctx.Done()
			a.scheduler.Stop()
			return nil
		})
	} else {
		for _, m := range a.managers {
			g.Go(func() error {
				return m.Run(ctx)
			})
		}
	}

	a.logger.Info("sync running", "collections", a.Collections(), "scheduled", a.scheduler != nil)
	return g.Wait()
}

// Close releases every collaborator. It is safe to call on a partially
// built app.
func (a *App) Close() error {
	for _, repo := range a.repos {
		repo.Close()
	}
	for _, m := range a.managers {
		m.Close()
	}
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
