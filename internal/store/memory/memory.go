// Package memory implements the domain store interfaces in process memory.
// It honours the same compare-and-decrement contract as the PostgreSQL
// stores and backs tests, single-process deployments and offline
// verification of published audit bundles.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

type state struct {
	mu sync.Mutex

	products     map[string]domain.Product
	productOrder []string
	tiers        map[int64]domain.PrizeTier
	productTiers map[string][]int64
	nextTierID   int64
	commitments  map[string]domain.Commitment
	reveals      map[string]domain.Reveal
	draws        map[string]map[int64]domain.DrawRecord
	audit        []domain.AuditEntry
}

// Store groups the in-memory stores over one shared state.
type Store struct {
	Products    *ProductStore
	Commitments *CommitmentStore
	Stock       *StockRegistry
	Draws       *DrawStore
	Audit       *AuditStore
}

// New returns an empty Store.
func New() *Store {
	st := &state{
		products:     make(map[string]domain.Product),
		tiers:        make(map[int64]domain.PrizeTier),
		productTiers: make(map[string][]int64),
		commitments:  make(map[string]domain.Commitment),
		reveals:      make(map[string]domain.Reveal),
		draws:        make(map[string]map[int64]domain.DrawRecord),
	}
	return &Store{
		Products:    &ProductStore{st: st},
		Commitments: &CommitmentStore{st: st},
		Stock:       &StockRegistry{st: st},
		Draws:       &DrawStore{st: st},
		Audit:       &AuditStore{st: st},
	}
}

// FromBundle rebuilds a read-only ledger from a published audit bundle,
// keeping the tier ids and counters exactly as exported.
func FromBundle(b domain.AuditBundle) *Store {
	s := New()
	st := s.Products.st
	p := b.Manifest.Product
	st.products[p.ID] = p
	st.productOrder = append(st.productOrder, p.ID)
	for _, t := range b.Manifest.Tiers {
		st.tiers[t.ID] = t
		st.productTiers[p.ID] = append(st.productTiers[p.ID], t.ID)
		if t.ID > st.nextTierID {
			st.nextTierID = t.ID
		}
	}
	sortIDs(st.productTiers[p.ID])
	if b.Manifest.Commitment.Hash != "" {
		st.commitments[p.ID] = b.Manifest.Commitment
	}
	recs := make(map[int64]domain.DrawRecord, len(b.Draws))
	for _, r := range b.Draws {
		recs[r.TicketNumber] = r
	}
	st.draws[p.ID] = recs
	return s
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// ProductStore implements domain.ProductStore.
type ProductStore struct{ st *state }

var _ domain.ProductStore = (*ProductStore)(nil)

// Create inserts the product and assigns ascending tier ids.
func (s *ProductStore) Create(_ context.Context, p domain.Product, tiers []domain.PrizeTier) ([]domain.PrizeTier, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.products[p.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	st.products[p.ID] = p
	st.productOrder = append(st.productOrder, p.ID)

	out := make([]domain.PrizeTier, len(tiers))
	for i, t := range tiers {
		st.nextTierID++
		t.ID = st.nextTierID
		t.ProductID = p.ID
		st.tiers[t.ID] = t
		st.productTiers[p.ID] = append(st.productTiers[p.ID], t.ID)
		out[i] = t
	}
	return out, nil
}

// GetByID returns a product.
func (s *ProductStore) GetByID(_ context.Context, id string) (domain.Product, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	p, ok := s.st.products[id]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

// List returns products newest first.
func (s *ProductStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Product, error) {
	return s.filter(opts, func(domain.Product) bool { return true }), nil
}

// ListByStatus returns products with the given status, newest first.
func (s *ProductStore) ListByStatus(_ context.Context, status domain.ProductStatus, opts domain.ListOpts) ([]domain.Product, error) {
	return s.filter(opts, func(p domain.Product) bool { return p.Status == status }), nil
}

func (s *ProductStore) filter(opts domain.ListOpts, keep func(domain.Product) bool) []domain.Product {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	out := make([]domain.Product, 0, len(s.st.productOrder))
	for i := len(s.st.productOrder) - 1; i >= 0; i-- {
		p := s.st.products[s.st.productOrder[i]]
		if keep(p) {
			out = append(out, p)
		}
	}
	return page(out, opts)
}

// Schedule sets the start time of a pending product.
func (s *ProductStore) Schedule(_ context.Context, id string, startAt time.Time) (domain.Product, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	p, ok := s.st.products[id]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	if p.Status != domain.ProductStatusPending {
		return domain.Product{}, domain.ErrInvalidState
	}
	at := startAt.UTC()
	p.StartAt = &at
	s.st.products[id] = p
	return p, nil
}

// ListDue returns pending products whose start time has passed, oldest
// start first.
func (s *ProductStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Product, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []domain.Product
	for _, id := range s.st.productOrder {
		p := s.st.products[id]
		if p.Status == domain.ProductStatusPending && p.StartAt != nil && !p.StartAt.After(now) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.Before(*out[j].StartAt) })
	return page(out, domain.ListOpts{Limit: limit}), nil
}

// ReserveTicket increments the ticket counter of an active product.
func (s *ProductStore) ReserveTicket(_ context.Context, id string) (int64, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	p, ok := s.st.products[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if p.Status != domain.ProductStatusActive {
		return 0, domain.ErrSaleEnded
	}
	p.LastTicket++
	s.st.products[id] = p
	return p.LastTicket, nil
}

// End moves an active product to ended.
func (s *ProductStore) End(_ context.Context, id string, at time.Time) (domain.Product, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	p, ok := s.st.products[id]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	if p.Status != domain.ProductStatusActive {
		return domain.Product{}, domain.ErrInvalidState
	}
	ended := at.UTC()
	p.Status = domain.ProductStatusEnded
	p.EndedAt = &ended
	s.st.products[id] = p
	return p, nil
}

// CommitmentStore implements domain.CommitmentStore.
type CommitmentStore struct{ st *state }

var _ domain.CommitmentStore = (*CommitmentStore)(nil)

// Activate stores the commitment and reveal and activates the product under
// one lock acquisition.
func (s *CommitmentStore) Activate(_ context.Context, c domain.Commitment, r domain.Reveal, startedAt time.Time) (domain.Product, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	p, ok := st.products[c.ProductID]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	if _, exists := st.commitments[c.ProductID]; exists {
		return domain.Product{}, domain.ErrAlreadyCommitted
	}
	if p.Status != domain.ProductStatusPending {
		return domain.Product{}, domain.ErrInvalidState
	}
	if p.StartAt == nil {
		return domain.Product{}, domain.ErrNoStartTime
	}

	at := startedAt.UTC()
	p.Status = domain.ProductStatusActive
	p.StartedAt = &at
	p.CommitmentHash = c.Hash
	st.products[p.ID] = p
	st.commitments[p.ID] = c
	r.SealedSeed = append([]byte(nil), r.SealedSeed...)
	st.reveals[p.ID] = r
	return p, nil
}

// GetCommitment returns the public commitment.
func (s *CommitmentStore) GetCommitment(_ context.Context, productID string) (domain.Commitment, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	c, ok := s.st.commitments[productID]
	if !ok {
		return domain.Commitment{}, domain.ErrNotFound
	}
	return c, nil
}

// GetReveal returns the sealed seed.
func (s *CommitmentStore) GetReveal(_ context.Context, productID string) (domain.Reveal, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	r, ok := s.st.reveals[productID]
	if !ok {
		return domain.Reveal{}, domain.ErrNotFound
	}
	r.SealedSeed = append([]byte(nil), r.SealedSeed...)
	return r, nil
}

// StockRegistry implements domain.StockRegistry.
type StockRegistry struct{ st *state }

var _ domain.StockRegistry = (*StockRegistry)(nil)

// Snapshot returns the product's tiers in ascending id order.
func (s *StockRegistry) Snapshot(_ context.Context, productID string) ([]domain.PrizeTier, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if _, ok := s.st.products[productID]; !ok {
		return nil, domain.ErrNotFound
	}
	ids := s.st.productTiers[productID]
	out := make([]domain.PrizeTier, len(ids))
	for i, id := range ids {
		out[i] = s.st.tiers[id]
	}
	return out, nil
}

// TryDecrement is the compare-and-decrement primitive.
func (s *StockRegistry) TryDecrement(_ context.Context, tierID, expectedRemaining int64) (bool, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return s.decrementLocked(tierID, expectedRemaining), nil
}

func (s *StockRegistry) decrementLocked(tierID, expected int64) bool {
	t, ok := s.st.tiers[tierID]
	if !ok || t.Remaining != expected || t.Remaining <= 0 {
		return false
	}
	t.Remaining--
	s.st.tiers[tierID] = t
	return true
}

// DecrementAndRecord decrements the selected tier and stores rec atomically.
func (s *StockRegistry) DecrementAndRecord(_ context.Context, rec domain.DrawRecord, expectedRemaining int64) (bool, error) {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if t, ok := st.tiers[rec.TierID]; !ok || t.ProductID != rec.ProductID {
		return false, domain.ErrNotFound
	}
	if st.products[rec.ProductID].Status != domain.ProductStatusActive {
		return false, domain.ErrSaleEnded
	}
	if _, dup := st.draws[rec.ProductID][rec.TicketNumber]; dup {
		return false, domain.ErrAlreadyExists
	}
	if !s.decrementLocked(rec.TierID, expectedRemaining) {
		return false, nil
	}
	if st.draws[rec.ProductID] == nil {
		st.draws[rec.ProductID] = make(map[int64]domain.DrawRecord)
	}
	rec.Snapshot = append([]domain.TierState(nil), rec.Snapshot...)
	st.draws[rec.ProductID][rec.TicketNumber] = rec
	return true, nil
}

// Restock overwrites a tier's counters. It exists for tests that need to
// simulate administrative edits or corruption.
func (s *StockRegistry) Restock(tierID, remaining int64) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if t, ok := s.st.tiers[tierID]; ok {
		t.Remaining = remaining
		s.st.tiers[tierID] = t
	}
}

// DrawStore implements domain.DrawStore.
type DrawStore struct{ st *state }

var _ domain.DrawStore = (*DrawStore)(nil)

// Get returns a single draw record.
func (s *DrawStore) Get(_ context.Context, productID string, ticket int64) (domain.DrawRecord, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	r, ok := s.st.draws[productID][ticket]
	if !ok {
		return domain.DrawRecord{}, domain.ErrNotFound
	}
	r.Snapshot = append([]domain.TierState(nil), r.Snapshot...)
	return r, nil
}

// List returns draw records in ticket order.
func (s *DrawStore) List(ctx context.Context, productID string, opts domain.ListOpts) ([]domain.DrawRecord, error) {
	all, err := s.ListAll(ctx, productID)
	if err != nil {
		return nil, err
	}
	return page(all, opts), nil
}

// ListAll returns every draw record in ticket order.
func (s *DrawStore) ListAll(_ context.Context, productID string) ([]domain.DrawRecord, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	recs := s.st.draws[productID]
	out := make([]domain.DrawRecord, 0, len(recs))
	for _, r := range recs {
		r.Snapshot = append([]domain.TierState(nil), r.Snapshot...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketNumber < out[j].TicketNumber })
	return out, nil
}

// CountByTier returns the number of draws per tier id.
func (s *DrawStore) CountByTier(_ context.Context, productID string) (map[int64]int64, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	out := make(map[int64]int64)
	for _, r := range s.st.draws[productID] {
		out[r.TierID]++
	}
	return out, nil
}

// Overwrite replaces a persisted record. Nothing in the service calls it;
// tests use it to tamper with history.
func (s *DrawStore) Overwrite(rec domain.DrawRecord) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.st.draws[rec.ProductID] == nil {
		s.st.draws[rec.ProductID] = make(map[int64]domain.DrawRecord)
	}
	s.st.draws[rec.ProductID][rec.TicketNumber] = rec
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ st *state }

var _ domain.AuditStore = (*AuditStore)(nil)

// Log appends an audit entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.audit = append(s.st.audit, domain.AuditEntry{
		ID:        int64(len(s.st.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(s.st.audit))
	for i := len(s.st.audit) - 1; i >= 0; i-- {
		out = append(out, s.st.audit[i])
	}
	return page(out, opts), nil
}
