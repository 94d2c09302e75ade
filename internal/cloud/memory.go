package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

// FaultFunc decides whether a write should fail. Returning nil lets it through.
type FaultFunc func(step domain.WriteStep, docID string) error

// MemoryBackend keeps documents in maps. Used for development and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	ledger map[string]domain.LedgerEntry
	posts  map[string]domain.ActivityPost
	deltas map[string]domain.StatsDelta
	writes map[domain.WriteStep]int
	fault  FaultFunc
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		ledger: make(map[string]domain.LedgerEntry),
		posts:  make(map[string]domain.ActivityPost),
		deltas: make(map[string]domain.StatsDelta),
		writes: make(map[domain.WriteStep]int),
	}
}

// SetFault installs f for subsequent writes; nil clears it.
func (m *MemoryBackend) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *MemoryBackend) PutLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	return m.put(ctx, domain.StepLedger, e.ID, func() { m.ledger[e.ID] = e })
}

func (m *MemoryBackend) PutActivityPost(ctx context.Context, p domain.ActivityPost) error {
	return m.put(ctx, domain.StepActivityPost, p.ID, func() { m.posts[p.ID] = p })
}

func (m *MemoryBackend) PutStatsDelta(ctx context.Context, d domain.StatsDelta) error {
	return m.put(ctx, domain.StepStatsUpdate, d.ID, func() { m.deltas[d.ID] = d })
}

func (m *MemoryBackend) put(ctx context.Context, step domain.WriteStep, id string, apply func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[step]++
	if m.fault != nil {
		if err := m.fault(step, id); err != nil {
			return fmt.Errorf("%s %s: %w", step, id, err)
		}
	}
	apply()
	return nil
}

// Writes returns how many write attempts step has received, failed ones included.
func (m *MemoryBackend) Writes(step domain.WriteStep) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[step]
}

func (m *MemoryBackend) LedgerEntries() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(m.ledger))
	for _, e := range m.ledger {
		out = append(out, e)
	}
	return out
}

func (m *MemoryBackend) ActivityPosts() []domain.ActivityPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ActivityPost, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, p)
	}
	return out
}

// TotalXP sums stats deltas, the way the cloud side aggregates them.
func (m *MemoryBackend) TotalXP() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, d := range m.deltas {
		total += d.XP
	}
	return total
}
