// Package controller supervises a primary/replica pair set: it polls
// health probes on an interval, classifies degradation, drives each
// replica's lifecycle state machine, and invokes the rebuild sequence
// when WAL loss makes recovery impossible.
//
// Concurrency model: one probe loop for the primary, one loop per
// replica. A replica's state is mutated only by its own loop (single
// writer); everything else reads through accessors. Replicas are
// fully independent of one another.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/FairForge/standby/internal/classify"
	"github.com/FairForge/standby/internal/metrics"
	"github.com/FairForge/standby/internal/probe"
	"github.com/FairForge/standby/internal/rebuild"
	"github.com/FairForge/standby/internal/registry"
)

var (
	ErrNotRegistered     = errors.New("replica not registered")
	ErrAlreadyRegistered = errors.New("replica already registered")
	ErrRebuildInProgress = errors.New("rebuild already in progress")
	ErrNotResettable     = errors.New("replica is not in a terminal state")
	ErrBusy              = errors.New("controller busy, retry")
)

// Prober supplies health snapshots. Implemented by probe.Prober.
type Prober interface {
	ProbePrimary(ctx context.Context) probe.Snapshot
	ProbeReplica(ctx context.Context, node probe.Node) probe.Snapshot
	CloseEndpoint(endpoint string) error
}

// Rebuilder executes rebuild jobs. Implemented by
// rebuild.Orchestrator.
type Rebuilder interface {
	Rebuild(ctx context.Context, target rebuild.Target, slotName string, generation uint64, trigger string) rebuild.Job
	ActiveJob(replicaID string) (rebuild.Job, bool)
}

// Registry persists per-replica supervision records. Implemented by
// registry.Store.
type Registry interface {
	Save(ctx context.Context, r registry.Record) error
	UpdateState(ctx context.Context, id, state string, generation uint64) error
	List(ctx context.Context) ([]registry.Record, error)
	Delete(ctx context.Context, id string) error
}

// Config holds the supervision tunables. Lag tolerance and hysteresis
// widths are deployment-specific and always come from configuration.
type Config struct {
	ProbeInterval time.Duration
	// LagThreshold is the replay lag above which a replica counts as
	// lagging.
	LagThreshold time.Duration
	// DisconnectProbes (N) is the consecutive absent probes before a
	// replica is declared disconnected.
	DisconnectProbes int
	// HealthyProbes (M) is the consecutive healthy probes required to
	// leave a degraded state.
	HealthyProbes int
	// WindowSize bounds the retained snapshot history per replica.
	WindowSize int
	// SlotPrefix prefixes each replica's replication slot name.
	SlotPrefix string
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.LagThreshold == 0 {
		c.LagThreshold = 30 * time.Second
	}
	if c.DisconnectProbes == 0 {
		c.DisconnectProbes = 5
	}
	if c.HealthyProbes == 0 {
		c.HealthyProbes = 3
	}
	if c.WindowSize == 0 {
		c.WindowSize = 10
	}
	if c.SlotPrefix == "" {
		c.SlotPrefix = "standby_"
	}
}

// Controller composes prober, classifier, rebuild orchestrator and
// registry into the supervision loop.
type Controller struct {
	cfg    Config
	prober Prober
	orch   Rebuilder
	store  Registry
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	replicas    map[string]*replicaRun
	subscribers []func(Event)
	started     bool

	events chan Event

	primaryMu   sync.RWMutex
	primarySnap probe.Snapshot
}

// New creates a controller. Call Start to begin supervision.
func New(cfg Config, prober Prober, orch Rebuilder, store Registry, logger *zap.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:      cfg,
		prober:   prober,
		orch:     orch,
		store:    store,
		clock:    clock.New(),
		logger:   logger,
		replicas: make(map[string]*replicaRun),
		events:   make(chan Event, 100),
	}
}

// SetClock swaps the wall clock for a mock. Test use only; call
// before Start.
func (c *Controller) SetClock(cl clock.Clock) { c.clock = cl }

// Start restores registered replicas from the registry and begins
// supervision. It returns once all loops are running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	records, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	c.wg.Add(2)
	go c.eventDispatcher()
	go c.primaryLoop()

	for _, rec := range records {
		restored := ParseState(rec.State)
		if restored.String() != rec.State {
			// A crash mid-rebuild persists as rebuilding; surface the
			// downgrade and record it.
			c.logger.Warn("restoring replica in degraded state",
				zap.String("replica", rec.ID),
				zap.String("persisted", rec.State),
				zap.String("restored", restored.String()))
			if err := c.store.UpdateState(ctx, rec.ID, restored.String(), rec.Generation); err != nil {
				return err
			}
		}
		c.spawn(rec, restored)
		c.logger.Info("replica restored",
			zap.String("replica", rec.ID),
			zap.String("state", restored.String()),
			zap.Uint64("generation", rec.Generation))
	}
	return nil
}

// Stop halts supervision and waits for all loops to exit. In-flight
// rebuild steps past the wipe run to completion regardless.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	c.wg.Wait()
}

// Register adds a replica to supervision in state uninitialized and
// persists the record.
func (c *Controller) Register(ctx context.Context, rec registry.Record) error {
	c.mu.RLock()
	_, exists := c.replicas[rec.ID]
	c.mu.RUnlock()
	if exists {
		return fmt.Errorf("replica %q: %w", rec.ID, ErrAlreadyRegistered)
	}
	if rec.ID == "" || rec.Endpoint == "" {
		return errors.New("replica id and endpoint required")
	}

	rec.State = StateUninitialized.String()
	if err := c.store.Save(ctx, rec); err != nil {
		return err
	}
	c.spawn(rec, StateUninitialized)
	c.logger.Info("replica registered",
		zap.String("replica", rec.ID),
		zap.String("endpoint", rec.Endpoint))
	return nil
}

// Deregister stops supervising a replica and deletes its record. The
// replica's database is untouched.
func (c *Controller) Deregister(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.replicas[id]
	if ok {
		delete(c.replicas, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("replica %q: %w", id, ErrNotRegistered)
	}
	r.stop()

	r.mu.RLock()
	endpoint := r.rec.Endpoint
	r.mu.RUnlock()
	if err := c.prober.CloseEndpoint(endpoint); err != nil {
		c.logger.Warn("close probe connection",
			zap.String("replica", id), zap.Error(err))
	}
	return c.store.Delete(ctx, id)
}

// Rebuild enqueues a manual rebuild for a replica, overriding the
// current classification. It fails if a job is already running, or
// if the replica sits in role violation (an explicit reset must come
// first: a role-violated node may be serving writes and is never
// destroyed on a single command).
func (c *Controller) Rebuild(id string) error {
	r, err := c.replica(id)
	if err != nil {
		return err
	}
	switch r.currentState() {
	case StateRebuilding:
		return ErrRebuildInProgress
	case StateRoleViolation:
		return fmt.Errorf("replica %q in role violation, reset required before rebuild", id)
	}
	return r.enqueueRebuild()
}

// Reset clears a failed or role-violated replica back to
// uninitialized so supervision starts over.
func (c *Controller) Reset(id string) error {
	r, err := c.replica(id)
	if err != nil {
		return err
	}
	if !r.currentState().Terminal() {
		return fmt.Errorf("replica %q in state %s: %w", id, r.currentState(), ErrNotResettable)
	}
	return r.send(command{kind: cmdReset})
}

func (c *Controller) replica(id string) (*replicaRun, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.replicas[id]
	if !ok {
		return nil, fmt.Errorf("replica %q: %w", id, ErrNotRegistered)
	}
	return r, nil
}

// spawn creates the per-replica runtime and starts its loop.
func (c *Controller) spawn(rec registry.Record, st State) {
	loopCtx, loopCancel := context.WithCancel(c.ctx)
	r := &replicaRun{
		ctrl:   c,
		rec:    rec,
		state:  st,
		gen:    rec.Generation,
		window: classify.NewWindow(c.cfg.WindowSize),
		cmds:   make(chan command, 1),
		cancel: loopCancel,
	}
	c.mu.Lock()
	c.replicas[rec.ID] = r
	c.mu.Unlock()

	metrics.SetReplicaState(rec.ID, st.String(), StateNames)
	c.wg.Add(1)
	go r.loop(loopCtx)
}

// primaryLoop probes the primary on the shared interval and publishes
// the latest snapshot for the replica loops to consume.
func (c *Controller) primaryLoop() {
	defer c.wg.Done()
	ticker := c.clock.Ticker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			start := c.clock.Now()
			snap := c.prober.ProbePrimary(c.ctx)
			metrics.RecordProbe(snap.NodeID, snap.Reachable, c.clock.Now().Sub(start))
			c.primaryMu.Lock()
			c.primarySnap = snap
			c.primaryMu.Unlock()
		}
	}
}

func (c *Controller) latestPrimary() probe.Snapshot {
	c.primaryMu.RLock()
	defer c.primaryMu.RUnlock()
	return c.primarySnap
}

// slotName derives a replica's replication slot name. Slot names must
// be lower case identifiers.
func (c *Controller) slotName(replicaID string) string {
	s := strings.ToLower(replicaID)
	s = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s)
	return c.cfg.SlotPrefix + s
}

// ReplicaStatus is the externally visible view of one replica.
type ReplicaStatus struct {
	ID          string          `json:"id"`
	Endpoint    string          `json:"endpoint"`
	State       string          `json:"state"`
	Generation  uint64          `json:"generation"`
	LastMode    string          `json:"last_mode,omitempty"`
	FailureMode string          `json:"failure_mode,omitempty"`
	Snapshot    *probe.Snapshot `json:"snapshot,omitempty"`
	Primary     *probe.Snapshot `json:"primary,omitempty"`
	ActiveJob   *rebuild.Job    `json:"active_job,omitempty"`
	LastJob     *rebuild.Job    `json:"last_job,omitempty"`
}

// Status returns the current view of one replica.
func (c *Controller) Status(id string) (ReplicaStatus, error) {
	r, err := c.replica(id)
	if err != nil {
		return ReplicaStatus{}, err
	}
	return r.status(), nil
}

// StatusAll returns the current view of every replica, ordered by ID.
func (c *Controller) StatusAll() []ReplicaStatus {
	c.mu.RLock()
	runs := make([]*replicaRun, 0, len(c.replicas))
	for _, r := range c.replicas {
		runs = append(runs, r)
	}
	c.mu.RUnlock()

	out := make([]ReplicaStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
