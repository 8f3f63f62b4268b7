// Package nonce implements a per-relayer nonce manager: allocation under a
// critical section, startup reconciliation against chain state, and gap
// detection for no-op synthesis.
//
// Grounded on src/chainadapter/storage/memory.MemoryTxStore's
// per-instance sync.RWMutex-guarded map shape, generalized here to a
// per-relayer sync.Mutex so allocation for one relayer never blocks
// another's, and on src/chainadapter/ethereum/rpc.go's
// GetTransactionCount call for the chain-state reconciliation source.
package nonce

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/rpcclient"
)

// state is one relayer's nonce bookkeeping.
type state struct {
	mu             sync.Mutex
	nextNonce      uint64
	confirmedNonce uint64
	holes          map[uint64]struct{}
}

// Manager tracks next_nonce/confirmed_nonce/holes for every relayer it has
// reconciled, each guarded by its own lock so allocation for one relayer
// never contends with another's.
type Manager struct {
	client *rpcclient.EVMClient

	mu       sync.Mutex // guards the states map itself, not its entries
	states   map[uuid.UUID]*state
}

func NewManager(client *rpcclient.EVMClient) *Manager {
	return &Manager{client: client, states: make(map[uuid.UUID]*state)}
}

// LocalTransaction is the minimal view of a stored transaction the
// reconciler needs: nonce and whether it is still non-terminal.
type LocalTransaction struct {
	Nonce    uint64
	Terminal bool
}

// Reconcile runs the four-step startup procedure for one relayer: fetch
// latest/pending transaction counts, fold in local non-terminal nonces,
// derive confirmed_nonce and next_nonce, and report any gaps between them
// as holes. local must contain every non-terminal local transaction for the
// relayer; it is sorted by nonce internally.
func (m *Manager) Reconcile(ctx context.Context, relayerID uuid.UUID, relayer model.Relayer, local []LocalTransaction) ([]uint64, error) {
	latest, err := m.client.GetTransactionCount(ctx, relayer.Address, "latest")
	if err != nil {
		return nil, err
	}
	pending, err := m.client.GetTransactionCount(ctx, relayer.Address, "pending")
	if err != nil {
		return nil, err
	}

	sorted := make([]LocalTransaction, len(local))
	copy(sorted, local)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Nonce < sorted[j].Nonce })

	localMax := uint64(0)
	haveLocal := false
	localNonces := make(map[uint64]struct{}, len(sorted))
	for _, tx := range sorted {
		if tx.Terminal {
			continue
		}
		localNonces[tx.Nonce] = struct{}{}
		if !haveLocal || tx.Nonce+1 > localMax {
			localMax = tx.Nonce + 1
			haveLocal = true
		}
	}

	next := pending
	if haveLocal && localMax > next {
		next = localMax
	}

	var confirmed uint64
	if latest > 0 {
		confirmed = latest - 1
	}

	var holes []uint64
	for n := confirmed + 1; n < next; n++ {
		if _, ok := localNonces[n]; !ok {
			holes = append(holes, n)
		}
	}

	holeSet := make(map[uint64]struct{}, len(holes))
	for _, h := range holes {
		holeSet[h] = struct{}{}
	}

	m.mu.Lock()
	m.states[relayerID] = &state{nextNonce: next, confirmedNonce: confirmed, holes: holeSet}
	m.mu.Unlock()

	return holes, nil
}

func (m *Manager) stateFor(relayerID uuid.UUID) (*state, error) {
	m.mu.Lock()
	s, ok := m.states[relayerID]
	m.mu.Unlock()
	if !ok {
		return nil, relayerr.New(relayerr.KindNotFound, "ERR_NONCE_UNRECONCILED", "relayer has not been nonce-reconciled", nil)
	}
	return s, nil
}

// Allocate returns the next nonce for relayerID and increments next_nonce
// under the per-relayer lock, so two concurrent callers never receive the
// same nonce.
func (m *Manager) Allocate(relayerID uuid.UUID) (uint64, error) {
	s, err := m.stateFor(relayerID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextNonce
	s.nextNonce++
	delete(s.holes, n)
	return n, nil
}

// MarkConfirmed advances confirmed_nonce once a nonce is known included on
// chain with sufficient depth.
func (m *Manager) MarkConfirmed(relayerID uuid.UUID, n uint64) error {
	s, err := m.stateFor(relayerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.confirmedNonce {
		s.confirmedNonce = n
	}
	delete(s.holes, n)
	return nil
}

// MarkHole records nonce n as allocated-but-abandoned, eligible for reuse
// via no-op replacement.
func (m *Manager) MarkHole(relayerID uuid.UUID, n uint64) error {
	s, err := m.stateFor(relayerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holes[n] = struct{}{}
	return nil
}

// Holes returns the current set of allocated-but-abandoned nonces for a
// relayer, sorted ascending.
func (m *Manager) Holes(relayerID uuid.UUID) ([]uint64, error) {
	s, err := m.stateFor(relayerID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.holes))
	for n := range s.holes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Snapshot returns (next_nonce, confirmed_nonce) for observability and
// tests.
func (m *Manager) Snapshot(relayerID uuid.UUID) (next, confirmed uint64, err error) {
	s, err := m.stateFor(relayerID)
	if err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextNonce, s.confirmedNonce, nil
}
