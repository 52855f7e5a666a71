package probe

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// Prober issues bounded read-only status queries against the primary
// and against replicas. It never writes, and it never fails: a probe
// that cannot reach its target returns a snapshot carrying
// ErrorConnectionFailed instead of an error.
type Prober struct {
	primary Node
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*sql.DB // keyed by endpoint
}

// Config configures a Prober.
type Config struct {
	Primary Node
	Timeout time.Duration
}

// NewProber creates a prober for the given primary. Connections are
// opened lazily per endpoint and pooled across probe cycles.
func NewProber(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Prober{
		primary: cfg.Primary,
		timeout: cfg.Timeout,
		logger:  logger,
		conns:   make(map[string]*sql.DB),
	}
}

// CloseEndpoint releases the pooled connection for one endpoint.
// Called when a replica is deregistered, so the pool does not retain
// connections to nodes no longer under supervision.
func (p *Prober) CloseEndpoint(endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	db, ok := p.conns[endpoint]
	if !ok {
		return nil
	}
	delete(p.conns, endpoint)
	return db.Close()
}

// Close releases all pooled connections.
func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for endpoint, db := range p.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, endpoint)
	}
	return firstErr
}

func (p *Prober) conn(endpoint string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.conns[endpoint]; ok {
		return db, nil
	}
	db, err := sql.Open("postgres", endpoint)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	p.conns[endpoint] = db
	return db, nil
}

// ProbePrimary collects recovery mode, connected-standby state and
// replication-slot status from the primary.
func (p *Prober) ProbePrimary(ctx context.Context) Snapshot {
	snap := Snapshot{NodeID: p.primary.ID, TakenAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	db, err := p.conn(p.primary.Endpoint)
	if err != nil {
		snap.ErrCode = ErrorConnectionFailed
		return snap
	}

	if err := db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&snap.InRecovery); err != nil {
		p.logger.Debug("primary probe failed", zap.String("node", p.primary.ID), zap.Error(err))
		snap.ErrCode = ErrorConnectionFailed
		return snap
	}
	snap.Reachable = true

	rows, err := db.QueryContext(ctx, `SELECT application_name FROM pg_stat_replication`)
	if err != nil {
		snap.ErrCode = ErrorConnectionFailed
		return snap
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			snap.ErrCode = ErrorConnectionFailed
			return snap
		}
		snap.ConnectedStandbys = append(snap.ConnectedStandbys, name)
	}
	if err := rows.Err(); err != nil {
		snap.ErrCode = ErrorConnectionFailed
		return snap
	}
	snap.ReplicationRows = len(snap.ConnectedStandbys)

	var walPos sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&walPos); err == nil && walPos.Valid {
		snap.CurrentWAL = walPos.String
	}

	p.probeSlots(ctx, db, &snap)
	return snap
}

// probeSlots collects every replication slot on the primary. A
// recycled slot shows up as wal_status "lost"; WithSlot later turns
// that into ErrorWALSegmentMissing so the classifier can demand a
// rebuild.
func (p *Prober) probeSlots(ctx context.Context, db *sql.DB, snap *Snapshot) {
	rows, err := db.QueryContext(ctx,
		`SELECT slot_name, active, wal_status FROM pg_replication_slots`)
	if err != nil {
		snap.ErrCode = ErrorConnectionFailed
		return
	}
	defer func() { _ = rows.Close() }()

	snap.Slots = make(map[string]SlotInfo)
	for rows.Next() {
		var name string
		var active bool
		var walStatus sql.NullString
		if err := rows.Scan(&name, &active, &walStatus); err != nil {
			snap.ErrCode = ErrorConnectionFailed
			return
		}
		snap.Slots[name] = SlotInfo{
			Active:  active,
			WALLost: walStatus.Valid && (walStatus.String == "lost" || walStatus.String == "unreserved"),
		}
	}
	if err := rows.Err(); err != nil {
		snap.ErrCode = ErrorConnectionFailed
	}
}

// ProbeReplica collects recovery mode, walreceiver state, replay lag
// and the last replay timestamp from one replica.
func (p *Prober) ProbeReplica(ctx context.Context, node Node) Snapshot {
	snap := Snapshot{NodeID: node.ID, TakenAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	db, err := p.conn(node.Endpoint)
	if err != nil {
		snap.ErrCode = ErrorConnectionFailed
		return snap
	}

	if err := db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&snap.InRecovery); err != nil {
		p.logger.Debug("replica probe failed", zap.String("node", node.ID), zap.Error(err))
		snap.ErrCode = ErrorConnectionFailed
		return snap
	}
	snap.Reachable = true

	if !snap.InRecovery {
		// Node is serving as a primary; lag queries are meaningless.
		return snap
	}

	var receivers int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM pg_stat_wal_receiver`).Scan(&receivers); err == nil {
		snap.WALReceiverUp = receivers > 0
	}

	var lagSeconds sql.NullFloat64
	var lastReplay sql.NullTime
	err = db.QueryRowContext(ctx, `
		SELECT extract(epoch FROM now() - pg_last_xact_replay_timestamp()),
		       pg_last_xact_replay_timestamp()`).Scan(&lagSeconds, &lastReplay)
	if err != nil {
		return snap
	}
	if lagSeconds.Valid {
		lag := time.Duration(lagSeconds.Float64 * float64(time.Second))
		if lag < 0 {
			lag = 0
		}
		snap.Lag = &lag
	}
	if lastReplay.Valid {
		t := lastReplay.Time
		snap.LastReplay = &t
	}
	return snap
}
