// Package registry owns the lifecycle of runs and tool-call transactions
// within one session, including cancellation, per spec section 4.4.
package registry

import (
	"sync"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/replay"
)

type TransactionStatus string

const (
	TransactionStarted TransactionStatus = "started"
	TransactionPending TransactionStatus = "pending"
)

// Transaction is a unit of work rooted at a tool invocation (spec
// section 3). Its replay window is independent of the session's.
type Transaction struct {
	ID         string
	Status     TransactionStatus
	ToolName   string
	ToolParams map[string]any
	Replay     *replay.Log
	StartedAt  time.Time
}

type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunFinished  RunStatus = "finished"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error"
)

// Run is a higher-level grouping across transactions for an agent task
// (spec section 3).
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	StartedAt time.Time
	EndedAt   time.Time
	Summary   string
	Err       string
}

// Registry owns one session's transaction and run maps. Every method
// takes mu: besides the inbound task, the session writes to it from
// transaction-eviction timers and from shutdown.
type Registry struct {
	mu sync.Mutex

	maxConcurrentRuns int
	replayWindowSize  int
	replayWindowAge   time.Duration

	transactions map[string]*Transaction
	runs         map[string]*Run

	nextTxnSeq int
}

func New(maxConcurrentRuns, replayWindowSize int, replayWindowAge time.Duration) *Registry {
	return &Registry{
		maxConcurrentRuns: maxConcurrentRuns,
		replayWindowSize:  replayWindowSize,
		replayWindowAge:   replayWindowAge,
		transactions:      map[string]*Transaction{},
		runs:              map[string]*Run{},
	}
}

// OpenTransaction records a transaction under the server-assigned id
// the caller passes, for a TRANSACTION_START carrying toolName/params
// (spec section 4.4).
func (r *Registry) OpenTransaction(id, toolName string, params map[string]any) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn := &Transaction{
		ID:         id,
		Status:     TransactionStarted,
		ToolName:   toolName,
		ToolParams: params,
		Replay:     replay.New(r.replayWindowSize, r.replayWindowAge),
		StartedAt:  time.Now(),
	}
	r.transactions[id] = txn
	return txn
}

func (r *Registry) Transaction(id string) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	return t, ok
}

// CloseTransaction marks id closed by setting its status to
// TransactionPending; the caller is expected to evict it
// from the map after a grace period equal to T (spec section 4.4).
func (r *Registry) CloseTransaction(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transactions[id]; ok {
		t.Status = TransactionPending
	}
}

// EvictTransaction removes id from the registry outright, releasing its
// replay window.
func (r *Registry) EvictTransaction(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transactions, id)
}

// OpenRun creates a run, enforcing the negotiated maximum concurrent
// active-run count (spec section 4.4, invariant 4 in section 8).
func (r *Registry) OpenRun(id, threadID string) (*Run, *protocolerr.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, run := range r.runs {
		if run.Status == RunActive {
			active++
		}
	}
	if active >= r.maxConcurrentRuns {
		return nil, protocolerr.New(protocolerr.RunLimitExceeded, "active run limit %d reached", r.maxConcurrentRuns)
	}

	run := &Run{ID: id, ThreadID: threadID, Status: RunActive, StartedAt: time.Now()}
	r.runs[id] = run
	return run, nil
}

func (r *Registry) Run(id string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// FinishRun transitions a run to a terminal status.
func (r *Registry) FinishRun(id string, status RunStatus, summaryOrErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	run.Status = status
	run.EndedAt = time.Now()
	switch status {
	case RunError:
		run.Err = summaryOrErr
	default:
		run.Summary = summaryOrErr
	}
}

// CancelRun marks a run cancelled; cancellation is cooperative and
// idempotent per spec section 5 — calling it twice is a no-op the
// second time.
func (r *Registry) CancelRun(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.Status != RunActive {
		return false
	}
	run.Status = RunCancelled
	run.EndedAt = time.Now()
	return true
}

// ActiveRunCount returns the number of runs currently active.
func (r *Registry) ActiveRunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, run := range r.runs {
		if run.Status == RunActive {
			n++
		}
	}
	return n
}

// ErrorAllActiveRuns transitions every active run to error status; used
// on session shutdown/disconnect (spec section 4.6, transport disconnect
// row).
func (r *Registry) ErrorAllActiveRuns(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.Status == RunActive {
			run.Status = RunError
			run.Err = reason
			run.EndedAt = time.Now()
		}
	}
}

// OpenTransactionCount reports how many transactions are currently open
// (started or pending), for diagnostics.
func (r *Registry) OpenTransactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}
