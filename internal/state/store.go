package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/btree"
)

// maturityKey orders active positions by maturity, then id.
type maturityKey struct {
	maturity int64
	id       uint64
}

func maturityLess(a, b maturityKey) bool {
	if a.maturity != b.maturity {
		return a.maturity < b.maturity
	}
	return a.id < b.id
}

type positionSlot struct {
	mu  sync.Mutex
	pos *Position
}

// positionStore holds positions in id order. Ids start at 1 and are never
// reused. Each position has its own lock; the slot table lock only guards
// growth. Lock order: slot, then index.
type positionStore struct {
	mu    sync.RWMutex
	slots []*positionSlot

	idxMu  sync.Mutex
	active *btree.BTreeG[maturityKey]
}

func newPositionStore() *positionStore {
	return &positionStore{
		active: btree.NewG[maturityKey](32, maturityLess),
	}
}

// insert assigns the next id and publishes the position.
func (s *positionStore) insert(pos *Position) uint64 {
	s.mu.Lock()
	id := uint64(len(s.slots) + 1)
	pos.ID = id
	s.slots = append(s.slots, &positionSlot{pos: pos})
	s.mu.Unlock()

	if pos.IsActive {
		s.indexAdd(pos)
	}
	return id
}

func (s *positionStore) slot(id uint64) (*positionSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == 0 || id > uint64(len(s.slots)) {
		return nil, ErrPositionNotFound
	}
	return s.slots[id-1], nil
}

// get returns a copy of the position.
func (s *positionStore) get(id uint64) (*Position, error) {
	sl, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.pos.Clone(), nil
}

func (s *positionStore) indexAdd(pos *Position) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.active.ReplaceOrInsert(maturityKey{maturity: pos.Maturity, id: pos.ID})
}

func (s *positionStore) indexRemove(pos *Position) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.active.Delete(maturityKey{maturity: pos.Maturity, id: pos.ID})
}

// activeIDs returns active position ids in ascending order.
func (s *positionStore) activeIDs() []uint64 {
	s.idxMu.Lock()
	ids := make([]uint64, 0, s.active.Len())
	s.active.Ascend(func(k maturityKey) bool {
		ids = append(ids, k.id)
		return true
	})
	s.idxMu.Unlock()

	slices.Sort(ids)
	return ids
}

// maturedIDs returns active positions with maturity <= now, earliest first.
func (s *positionStore) maturedIDs(now int64) []uint64 {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	var ids []uint64
	s.active.AscendLessThan(maturityKey{maturity: now + 1}, func(k maturityKey) bool {
		ids = append(ids, k.id)
		return true
	})
	return ids
}

func (s *positionStore) activeCount() int {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.active.Len()
}

func (s *positionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// all returns copies of every position in id order.
func (s *positionStore) all() []*Position {
	s.mu.RLock()
	slots := slices.Clone(s.slots)
	s.mu.RUnlock()

	out := make([]*Position, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.pos.Clone())
		sl.mu.Unlock()
	}
	return out
}

// restore replaces the store contents. Ids must be exactly 1..n.
func (s *positionStore) restore(positions []*Position) error {
	sorted := slices.Clone(positions)
	slices.SortFunc(sorted, func(a, b *Position) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	slots := make([]*positionSlot, 0, len(sorted))
	index := btree.NewG[maturityKey](32, maturityLess)
	for i, pos := range sorted {
		if pos.ID != uint64(i+1) {
			return fmt.Errorf("position ids not contiguous: expected %d, got %d", i+1, pos.ID)
		}
		if pos.IsActive != (pos.Status == PositionStatusActive) {
			return fmt.Errorf("position %d: active flag disagrees with status %s", pos.ID, pos.Status)
		}
		c := pos.Clone()
		slots = append(slots, &positionSlot{pos: c})
		if c.IsActive {
			index.ReplaceOrInsert(maturityKey{maturity: c.Maturity, id: c.ID})
		}
	}

	s.mu.Lock()
	s.idxMu.Lock()
	s.slots = slots
	s.active = index
	s.idxMu.Unlock()
	s.mu.Unlock()
	return nil
}
