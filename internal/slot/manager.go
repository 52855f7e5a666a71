package slot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// ErrSlotConflict means a slot with the requested name exists but
// belongs to a different lineage than this controller expects. It is
// never resolved automatically; an operator must intervene.
var ErrSlotConflict = errors.New("replication slot exists with conflicting lineage")

// Handle describes a replication slot as last observed on the primary.
type Handle struct {
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	RestartLSN LSN    `json:"restart_lsn"`
}

// Manager creates and validates physical replication slots on the
// primary. A slot must exist and be confirmed present before any base
// backup starts, otherwise WAL needed to catch the new replica up may
// be recycled mid-backup.
type Manager struct {
	db      *sql.DB
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	lineage map[string]LSN // restart LSN recorded at create/adopt time
}

// NewManager creates a slot manager over an open primary connection.
func NewManager(db *sql.DB, timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		db:      db,
		timeout: timeout,
		logger:  logger,
		lineage: make(map[string]LSN),
	}
}

// EnsureSlot is idempotent: it creates the slot if absent, succeeds
// silently if the slot is already correctly present, and returns
// ErrSlotConflict when the existing slot's restart LSN has moved
// behind the lineage recorded at creation (a recreated or foreign
// slot, not ours). The check has a known false negative: a foreign
// slot recreated under the same name whose restart LSN happens to be
// at or ahead of the recorded one is indistinguishable from our own
// and is adopted.
func (m *Manager) EnsureSlot(ctx context.Context, name string) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	existing, found, err := m.querySlot(ctx, name)
	if err != nil {
		return Handle{}, fmt.Errorf("ensure slot %q: %w", name, err)
	}

	if !found {
		return m.createSlot(ctx, name)
	}

	m.mu.Lock()
	recorded, known := m.lineage[name]
	m.mu.Unlock()

	if known && existing.RestartLSN < recorded {
		return Handle{}, fmt.Errorf("slot %q restart lsn %s behind recorded %s: %w",
			name, existing.RestartLSN, recorded, ErrSlotConflict)
	}

	// Adopt the slot and advance the recorded lineage.
	m.mu.Lock()
	m.lineage[name] = existing.RestartLSN
	m.mu.Unlock()

	m.logger.Debug("slot present",
		zap.String("slot", name),
		zap.Bool("active", existing.Active),
		zap.String("restart_lsn", existing.RestartLSN.String()))
	return existing, nil
}

func (m *Manager) createSlot(ctx context.Context, name string) (Handle, error) {
	// immediately_reserve=true pins WAL retention from creation time,
	// before the base backup begins.
	var slotName string
	var lsnText sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT slot_name, lsn FROM pg_create_physical_replication_slot($1, true)`,
		name).Scan(&slotName, &lsnText)
	if err != nil {
		return Handle{}, fmt.Errorf("create slot %q: %w", name, err)
	}

	h := Handle{Name: slotName}
	if lsnText.Valid {
		lsn, err := ParseLSN(lsnText.String)
		if err != nil {
			return Handle{}, err
		}
		h.RestartLSN = lsn
	}

	m.mu.Lock()
	m.lineage[name] = h.RestartLSN
	m.mu.Unlock()

	m.logger.Info("replication slot created",
		zap.String("slot", name),
		zap.String("restart_lsn", h.RestartLSN.String()))
	return h, nil
}

// DropSlot removes a slot. Only called as part of an explicit reset,
// never by health checks.
func (m *Manager) DropSlot(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.db.ExecContext(ctx, `SELECT pg_drop_replication_slot($1)`, name); err != nil {
		return fmt.Errorf("drop slot %q: %w", name, err)
	}

	m.mu.Lock()
	delete(m.lineage, name)
	m.mu.Unlock()

	m.logger.Info("replication slot dropped", zap.String("slot", name))
	return nil
}

// Status returns the slot as currently visible on the primary.
func (m *Manager) Status(ctx context.Context, name string) (Handle, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.querySlot(ctx, name)
}

func (m *Manager) querySlot(ctx context.Context, name string) (Handle, bool, error) {
	var slotType string
	var active bool
	var lsnText sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT slot_type, active, restart_lsn FROM pg_replication_slots WHERE slot_name = $1`,
		name).Scan(&slotType, &active, &lsnText)
	switch {
	case err == sql.ErrNoRows:
		return Handle{}, false, nil
	case err != nil:
		return Handle{}, false, err
	}

	if slotType != "physical" {
		return Handle{}, false, fmt.Errorf("slot %q has type %s: %w", name, slotType, ErrSlotConflict)
	}

	h := Handle{Name: name, Active: active}
	if lsnText.Valid {
		lsn, err := ParseLSN(lsnText.String)
		if err != nil {
			return Handle{}, false, err
		}
		h.RestartLSN = lsn
	}
	return h, true, nil
}
