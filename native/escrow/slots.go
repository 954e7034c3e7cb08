package escrow

// SlotState is the persistence surface for reservation slots.
type SlotState interface {
	SlotPut(slot *Slot) error
	SlotGet(id [32]byte) (*Slot, bool, error)
	SlotDelete(id [32]byte) error
}

// SlotStore holds at most one pending purchase intent per listed item. All
// slot mutation goes through Reserve, TakeIntent and Remove so occupancy
// races resolve to exactly one winner.
type SlotStore struct {
	state SlotState
}

// NewSlotStore wraps the supplied state backend.
func NewSlotStore(state SlotState) *SlotStore {
	return &SlotStore{state: state}
}

// Create inserts an empty slot for a freshly listed item.
func (s *SlotStore) Create(id [32]byte) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	if _, ok, err := s.state.SlotGet(id); err != nil {
		return err
	} else if ok {
		return ErrDuplicateSlot
	}
	return s.state.SlotPut(&Slot{ItemID: id})
}

// Exists reports whether a slot is present for the item.
func (s *SlotStore) Exists(id [32]byte) (bool, error) {
	if s == nil || s.state == nil {
		return false, errNilState
	}
	_, ok, err := s.state.SlotGet(id)
	return ok, err
}

// Occupied reports whether the item's slot holds a pending intent.
func (s *SlotStore) Occupied(id [32]byte) (bool, error) {
	if s == nil || s.state == nil {
		return false, errNilState
	}
	slot, ok, err := s.state.SlotGet(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoSlot
	}
	return slot.Intent != nil, nil
}

// Intent returns the pending intent without removing it, or nil when the slot
// is empty.
func (s *SlotStore) Intent(id [32]byte) (*PurchaseIntent, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	slot, ok, err := s.state.SlotGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSlot
	}
	return slot.Intent.Clone(), nil
}

// Reserve stores the intent in the item's empty slot.
func (s *SlotStore) Reserve(id [32]byte, intent *PurchaseIntent) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	slot, ok, err := s.state.SlotGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSlot
	}
	if slot.Intent != nil {
		return ErrItemReserved
	}
	slot.Intent = intent.Clone()
	return s.state.SlotPut(slot)
}

// TakeIntent atomically removes and returns the pending intent, leaving the
// slot empty. A second call fails with ErrNothingReserved, which is what
// makes double settlement and double withdrawal impossible.
func (s *SlotStore) TakeIntent(id [32]byte) (*PurchaseIntent, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	slot, ok, err := s.state.SlotGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSlot
	}
	if slot.Intent == nil {
		return nil, ErrNothingReserved
	}
	intent := slot.Intent
	slot.Intent = nil
	if err := s.state.SlotPut(slot); err != nil {
		return nil, err
	}
	return intent, nil
}

// Remove deletes the slot when the item leaves the listing. The caller must
// have resolved any pending intent first.
func (s *SlotStore) Remove(id [32]byte) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	slot, ok, err := s.state.SlotGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if slot.Intent != nil {
		return ErrUnresolvedIntent
	}
	return s.state.SlotDelete(id)
}
