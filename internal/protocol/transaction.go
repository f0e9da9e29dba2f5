package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/orchestro/pkg/api"
)

// TransactionManager brackets a protocol operation.
type TransactionManager interface {
	BeginTransaction(ctx context.Context) (string, error)
	CommitTransaction(ctx context.Context, txID string) error
	AbortTransaction(ctx context.Context, txID string) error
}

// TxState is the state of a transaction.
type TxState string

const (
	TxActive    TxState = "active"
	TxCommitted TxState = "committed"
	TxAborted   TxState = "aborted"
)

type transaction struct {
	id           string
	state        TxState
	begunAt      time.Time
	endedAt      time.Time
	compensation []func(ctx context.Context) error
}

// MemoryTransactionManager is an in-process TransactionManager. It does
// not make storage writes atomic; instead callers register compensations
// with OnAbort, which run in reverse order when the transaction aborts.
// Finished transactions are forgotten after Retain.
type MemoryTransactionManager struct {
	logger *zap.Logger
	retain time.Duration
	now    func() time.Time

	mu  sync.Mutex
	txs map[string]*transaction
}

var _ TransactionManager = (*MemoryTransactionManager)(nil)

// NewMemoryTransactionManager creates a manager that keeps finished
// transactions for retain (default 10m) so late commits and aborts are
// reported as invalid transitions rather than unknown ids.
func NewMemoryTransactionManager(logger *zap.Logger, retain time.Duration) *MemoryTransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retain <= 0 {
		retain = 10 * time.Minute
	}
	return &MemoryTransactionManager{
		logger: logger,
		retain: retain,
		now:    time.Now,
		txs:    make(map[string]*transaction),
	}
}

func (m *MemoryTransactionManager) BeginTransaction(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gcLocked()
	tx := &transaction{id: uuid.NewString(), state: TxActive, begunAt: m.now()}
	m.txs[tx.id] = tx
	return tx.id, nil
}

// OnAbort registers fn to run if txID aborts.
func (m *MemoryTransactionManager) OnAbort(txID string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.activeLocked(txID)
	if err != nil {
		return err
	}
	tx.compensation = append(tx.compensation, fn)
	return nil
}

func (m *MemoryTransactionManager) CommitTransaction(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.activeLocked(txID)
	if err != nil {
		return err
	}
	tx.state = TxCommitted
	tx.endedAt = m.now()
	tx.compensation = nil
	return nil
}

// AbortTransaction marks the transaction aborted and runs its
// compensations newest first. Compensation errors are logged; the first
// one is returned after all have run.
func (m *MemoryTransactionManager) AbortTransaction(ctx context.Context, txID string) error {
	m.mu.Lock()
	tx, err := m.activeLocked(txID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	tx.state = TxAborted
	tx.endedAt = m.now()
	comp := tx.compensation
	tx.compensation = nil
	m.mu.Unlock()

	var first error
	for i := len(comp) - 1; i >= 0; i-- {
		if cerr := comp[i](ctx); cerr != nil {
			m.logger.Warn("transaction_compensation_failed",
				zap.String("tx_id", txID),
				zap.Error(cerr),
			)
			if first == nil {
				first = cerr
			}
		}
	}
	return first
}

// State reports the state of a known transaction.
func (m *MemoryTransactionManager) State(txID string) (TxState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return "", api.NotFoundf("transaction %s", txID)
	}
	return tx.state, nil
}

// Active counts transactions that are neither committed nor aborted.
func (m *MemoryTransactionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range m.txs {
		if tx.state == TxActive {
			n++
		}
	}
	return n
}

func (m *MemoryTransactionManager) activeLocked(txID string) (*transaction, error) {
	tx, ok := m.txs[txID]
	if !ok {
		return nil, api.NotFoundf("transaction %s", txID)
	}
	if tx.state != TxActive {
		return nil, api.InvalidTransitionf("transaction %s is %s", txID, tx.state)
	}
	return tx, nil
}

func (m *MemoryTransactionManager) gcLocked() {
	cutoff := m.now().Add(-m.retain)
	for id, tx := range m.txs {
		if tx.state != TxActive && tx.endedAt.Before(cutoff) {
			delete(m.txs, id)
		}
	}
}

func (s TxState) String() string { return string(s) }

var _ fmt.Stringer = TxActive
