package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memoryRepository keeps the ledger in process memory. Rows are only ever
// appended; supersession is a separate index like in the SQL schema.
type memoryRepository struct {
	mu           sync.RWMutex
	partnerships map[uuid.UUID]Partnership
	rawInputs    map[uuid.UUID]RawInput
	entries      []Entry
	byID         map[uuid.UUID]int
	supersededBy map[uuid.UUID]uuid.UUID
}

func NewMemoryRepository() *memoryRepository {
	return &memoryRepository{
		partnerships: make(map[uuid.UUID]Partnership),
		rawInputs:    make(map[uuid.UUID]RawInput),
		byID:         make(map[uuid.UUID]int),
		supersededBy: make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *memoryRepository) CreatePartnership(ctx context.Context, p Partnership) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.partnerships {
		if existing.IsMember(p.MemberA) || existing.IsMember(p.MemberB) {
			return fmt.Errorf("%w: member already belongs to a partnership", ErrConstraintViolation)
		}
	}
	r.partnerships[p.ID] = p
	return nil
}

func (r *memoryRepository) GetPartnership(ctx context.Context, id uuid.UUID) (*Partnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.partnerships[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memoryRepository) GetPartnershipByMember(ctx context.Context, member uuid.UUID) (*Partnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.partnerships {
		if p.IsMember(member) {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) UpdateCurrency(ctx context.Context, id uuid.UUID, currency string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partnerships[id]
	if !ok {
		return ErrNotFound
	}
	p.DefaultCurrency = currency
	r.partnerships[id] = p
	return nil
}

func (r *memoryRepository) SaveRawInput(ctx context.Context, in RawInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rawInputs[in.ID]; ok {
		return fmt.Errorf("%w: raw input %s already recorded", ErrConstraintViolation, in.ID)
	}
	r.rawInputs[in.ID] = in
	return nil
}

func (r *memoryRepository) InsertEntries(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInsertable(entries); err != nil {
		return err
	}
	r.appendLocked(entries)
	return nil
}

func (r *memoryRepository) SupersedeEntry(ctx context.Context, partnershipID, oldID uuid.UUID, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no replacement entries", ErrConstraintViolation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[oldID]
	if !ok || r.entries[idx].PartnershipID != partnershipID {
		return nil, ErrNotFound
	}
	if _, done := r.supersededBy[oldID]; done {
		return nil, ErrNotFound
	}
	if err := r.checkInsertable(entries); err != nil {
		return nil, err
	}

	written := make([]Entry, len(entries))
	for i, e := range entries {
		e.InterpretationVersion = r.entries[idx].InterpretationVersion + 1
		written[i] = e
	}
	r.appendLocked(written)
	r.supersededBy[oldID] = written[0].ID

	return cloneEntries(written), nil
}

func (r *memoryRepository) checkInsertable(entries []Entry) error {
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		if _, dup := r.byID[e.ID]; dup || seen[e.ID] {
			return fmt.Errorf("%w: duplicate entry id %s", ErrConstraintViolation, e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

func (r *memoryRepository) appendLocked(entries []Entry) {
	for _, e := range entries {
		e.Tags = append([]string(nil), e.Tags...)
		e.SupersededBy = nil
		r.byID[e.ID] = len(r.entries)
		r.entries = append(r.entries, e)
	}
}

// view returns the stored entry with its supersession reference filled in.
func (r *memoryRepository) view(i int) Entry {
	e := r.entries[i]
	e.Tags = append([]string(nil), e.Tags...)
	if next, ok := r.supersededBy[e.ID]; ok {
		e.SupersededBy = &next
	}
	return e
}

func (r *memoryRepository) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := r.view(idx)
	return &e, nil
}

func (r *memoryRepository) ListEntries(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for i := range r.entries {
		if r.entries[i].PartnershipID != partnershipID {
			continue
		}
		e := r.view(i)
		if f.Match(e) {
			out = append(out, e)
		}
	}

	SortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (r *memoryRepository) CategoryTotals(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]CategoryTotal, error) {
	f.IncludeSuperseded = false
	f.Limit = 0
	entries, err := r.ListEntries(ctx, partnershipID, f)
	if err != nil {
		return nil, err
	}

	byCategory := make(map[string]*CategoryTotal)
	for _, e := range entries {
		if f.Kind == "" && !e.Kind.Shared() {
			continue
		}
		key := strings.ToLower(e.Category)
		t, ok := byCategory[key]
		if !ok {
			t = &CategoryTotal{Category: e.Category, Total: decimal.Zero}
			byCategory[key] = t
		}
		t.Total = t.Total.Add(e.Amount)
		t.Count++
	}

	totals := make([]CategoryTotal, 0, len(byCategory))
	for _, t := range byCategory {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool {
		if !totals[i].Total.Equal(totals[j].Total) {
			return totals[i].Total.GreaterThan(totals[j].Total)
		}
		return totals[i].Category < totals[j].Category
	})
	return totals, nil
}

// SortEntries orders entries by event date, then creation time. The sort is
// stable so ties keep insertion order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].EventDate.Equal(entries[j].EventDate) {
			return entries[i].EventDate.Before(entries[j].EventDate)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Tags = append([]string(nil), e.Tags...)
		out[i] = e
	}
	return out
}
