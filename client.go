package tally

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/tally/internal/remote"
	"github.com/shopspring/decimal"
)

// Client is the offline-first entry point: entity caches for local writes,
// the queue they feed and the engine that drains it.
type Client struct {
	store   *Store
	queue   *Queue
	counter *Counter
	session *Session
	engine  *Engine
	sched   *Scheduler
	caches  map[EntityType]*EntityCache
	config  Config
	logger  *slog.Logger
	debug   *DebugLogger
	prober  Prober
	release func()

	mu     sync.Mutex
	closed bool
}

// New creates a tally client. Without a configured remote store the client
// works offline: writes are cached and queued, and SyncAll returns ErrOffline.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = newLogger(cfg.Debug)
	}

	debug, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	st, err := NewStore(cfg.LocalPath)
	if err != nil {
		_ = debug.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:   st,
		queue:   NewQueue(st, cfg.Store, cfg.MaxRetries),
		counter: NewCounter(cfg.OnCountsChanged),
		session: NewSession(),
		caches:  make(map[EntityType]*EntityCache, len(kinds)),
		config:  cfg,
		logger:  logger.With("store", cfg.Store),
		debug:   debug,
	}

	ctx := context.Background()
	if err := c.recordDevice(ctx); err != nil {
		_ = c.closeLocal()
		return nil, fmt.Errorf("client: %w", err)
	}

	id := Identity{StoreID: cfg.Store, Creator: cfg.Creator, DeviceID: cfg.DeviceID}
	for _, t := range EntityTypes() {
		cache, err := NewEntityCache(t, st, c.queue, c.counter, id, c.logger)
		if err != nil {
			_ = c.closeLocal()
			return nil, fmt.Errorf("client: %w", err)
		}
		c.caches[t] = cache
	}

	rs, err := c.openRemote(ctx)
	if err != nil {
		_ = c.closeLocal()
		return nil, fmt.Errorf("client: %w", err)
	}
	if rs == nil {
		c.session.SetOnline(false)
	} else {
		c.engine, err = NewEngine(st, c.queue, rs, c.session, c.counter, EngineOptions{
			RetainSynced: cfg.RetainSynced,
			Logger:       c.logger,
			Debug:        debug,
		})
		if err != nil {
			_ = c.closeLocal()
			return nil, fmt.Errorf("client: %w", err)
		}
		c.prober, _ = rs.(Prober)
	}

	if _, err := c.counter.Refresh(ctx, c.queue); err != nil {
		c.logger.Warn("initial pending counts", "error", err)
	}

	if c.engine != nil && cfg.AutoSync {
		c.sched = NewScheduler(c.engine, SchedulerOptions{
			Interval: cfg.SyncInterval,
			Prober:   c.prober,
			Logger:   c.logger,
		})
		c.sched.Start(ctx)
	}

	return c, nil
}

func (c *Client) openRemote(ctx context.Context) (RemoteStore, error) {
	cfg := c.config
	switch {
	case cfg.Remote != nil:
		return cfg.Remote, nil
	case cfg.PostgresDSN != "":
		pg, err := remote.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.release = pg.Close
		return pg, nil
	case cfg.RemoteURL != "":
		rc := remote.RESTConfig{
			BaseURL:   cfg.RemoteURL,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
			StoreID:   cfg.Store,
		}
		if cfg.Debug {
			rc.Tracer = c.debug
		}
		return remote.NewREST(rc), nil
	}
	return nil, nil
}

// recordDevice keeps the first device id this database was used from.
func (c *Client) recordDevice(ctx context.Context) error {
	stored, err := c.store.GetMetadata(ctx, metaDeviceID)
	if err != nil {
		return err
	}
	if stored != "" || c.config.DeviceID == "" {
		return nil
	}
	return c.store.SetMetadata(ctx, metaDeviceID, c.config.DeviceID)
}

// StoreID returns the tenant the client works for.
func (c *Client) StoreID() string { return c.config.Store }

// Online reports whether a remote store is configured and reachable as far
// as the client knows.
func (c *Client) Online() bool { return c.engine != nil && c.session.Online() }

// Cache returns the entity cache manager for t.
func (c *Client) Cache(t EntityType) (*EntityCache, error) {
	cache, ok := c.caches[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
	}
	return cache, nil
}

// Sales returns the sale cache manager.
func (c *Client) Sales() *EntityCache { return c.caches[EntitySale] }

// SaleLines returns the sale line cache manager.
func (c *Client) SaleLines() *EntityCache { return c.caches[EntitySaleLine] }

// Debts returns the debt cache manager.
func (c *Client) Debts() *EntityCache { return c.caches[EntityDebt] }

// Inventory returns the inventory cache manager.
func (c *Client) Inventory() *EntityCache { return c.caches[EntityInventory] }

// Products returns the product cache manager.
func (c *Client) Products() *EntityCache { return c.caches[EntityProduct] }

// Customers returns the customer cache manager.
func (c *Client) Customers() *EntityCache { return c.caches[EntityCustomer] }

// SaleInput is a checkout to record offline.
type SaleInput struct {
	Sale  Sale
	Lines []SaleLine
}

// RecordedSale is the cached sale and its lines.
type RecordedSale struct {
	Sale  *Entity   `json:"sale"`
	Lines []*Entity `json:"lines"`
}

// RecordSale caches a sale with its lines in one transaction and queues them,
// each line depending on the sale. A zero total is computed from the lines.
func (c *Client) RecordSale(ctx context.Context, in SaleInput) (*RecordedSale, error) {
	if len(in.Lines) == 0 {
		return nil, ErrEmptySale
	}
	total := decimal.Zero
	for i, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d has quantity %d", ErrInvalidQuantity, i+1, line.Quantity)
		}
		if line.ProductID == "" {
			return nil, fmt.Errorf("line %d: product id is required", i+1)
		}
		total = total.Add(line.Subtotal())
	}
	if in.Sale.Total.IsZero() {
		in.Sale.Total = total
	}

	saleFields, err := ToFields(in.Sale)
	if err != nil {
		return nil, err
	}

	out := &RecordedSale{}
	err = c.store.WithTx(ctx, func(tx *Tx) error {
		sale, err := c.Sales().create(ctx, tx, saleFields)
		if err != nil {
			return err
		}
		out.Sale = sale
		for _, line := range in.Lines {
			line.SaleID = sale.ClientRef
			fields, err := ToFields(line)
			if err != nil {
				return err
			}
			e, err := c.SaleLines().create(ctx, tx, fields)
			if err != nil {
				return err
			}
			out.Lines = append(out.Lines, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Sales().refresh(ctx)
	return out, nil
}

// SyncAll runs one sync pass now. It returns ErrOffline without a reachable
// remote store and ErrSyncPaused while paused. A pass already in flight makes
// it return an empty result.
func (c *Client) SyncAll(ctx context.Context) (*SyncResult, error) {
	if c.engine == nil || !c.session.Online() {
		return nil, ErrOffline
	}
	if c.session.Paused() {
		return nil, ErrSyncPaused
	}
	return c.engine.SyncAll(ctx)
}

// PauseSync stops new passes; a running pass stops before its next item.
func (c *Client) PauseSync() {
	if c.sched != nil {
		c.sched.Pause()
		return
	}
	c.session.SetPaused(true)
}

// ResumeSync re-enables passes and, with a scheduler, requests one.
func (c *Client) ResumeSync() {
	if c.sched != nil {
		c.sched.Resume()
		return
	}
	c.session.SetPaused(false)
}

// SetOnline records a connectivity signal. Coming back online triggers a pass
// when the scheduler runs.
func (c *Client) SetOnline(online bool) {
	if c.engine == nil {
		return
	}
	if c.sched != nil {
		c.sched.SetOnline(online)
		return
	}
	c.session.SetOnline(online)
}

// ClearQueue drops every queue item of the store. It is destructive and
// refuses to run unless confirm is true.
func (c *Client) ClearQueue(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrConfirmRequired
	}
	n, err := c.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("sync queue cleared", "items", n)
	c.refreshCounts(ctx)
	return n, nil
}

// Retry resets one failed queue item to pending.
func (c *Client) Retry(ctx context.Context, queueID int64) error {
	if err := c.queue.Retry(ctx, queueID); err != nil {
		return err
	}
	c.refreshCounts(ctx)
	return nil
}

// RetryFailed resets every failed queue item to pending.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	n, err := c.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	c.refreshCounts(ctx)
	return n, nil
}

// PendingCount returns the number of queue items waiting to sync.
func (c *Client) PendingCount() int {
	return c.counter.Counts().Pending
}

// Counts returns the queue totals.
func (c *Client) Counts() Counts {
	return c.counter.Counts()
}

// Status returns a snapshot of the sync session with queue totals.
func (c *Client) Status() SyncStatus {
	st := c.session.Status()
	if c.engine == nil {
		st.IsOnline = false
	}
	counts := c.counter.Counts()
	st.Pending = counts.Pending
	st.Failed = counts.Failed
	return st
}

// QueueItems lists queue items. An empty status lists all.
func (c *Client) QueueItems(ctx context.Context, status Status) ([]QueueItem, error) {
	return c.queue.List(ctx, status)
}

// Stats returns store statistics.
func (c *Client) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{StoreID: c.config.Store}
	err := c.store.read(func(tx *Tx) error {
		var err error
		if stats.Entities, err = tx.countEntities(ctx, c.config.Store); err != nil {
			return err
		}
		if stats.Queue, err = tx.queueCounts(ctx, c.config.Store); err != nil {
			return err
		}
		if stats.SchemaVersion, err = tx.getMetadata(ctx, metaSchemaVersion); err != nil {
			return err
		}
		last, err := tx.getMetadata(ctx, metaLastSync+c.config.Store)
		if err != nil {
			return err
		}
		if last != "" {
			stats.LastSync, _ = time.Parse(time.RFC3339Nano, last)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
	}

	if err := c.store.Ping(ctx); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.prober != nil {
		err := c.prober.Ping(ctx)
		status.RemoteReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
	}

	return status
}

// Export writes the cached entities and queue of the store as JSON.
func (c *Client) Export(ctx context.Context, w io.Writer) error {
	return c.store.ExportJSON(ctx, c.config.Store, w)
}

// Close stops the scheduler and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.sched != nil {
		c.sched.Stop()
	}
	return c.closeLocal()
}

func (c *Client) closeLocal() error {
	if c.release != nil {
		c.release()
	}
	return errors.Join(c.store.Close(), c.debug.Close())
}

func (c *Client) refreshCounts(ctx context.Context) {
	if _, err := c.counter.Refresh(context.WithoutCancel(ctx), c.queue); err != nil {
		c.logger.Warn("refresh pending counts", "error", err)
	}
}
