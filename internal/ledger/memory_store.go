package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokengate/tokengate/pkg/api"
)

// MemoryStore is an in-process Store with the same refusal semantics as
// the Postgres one. It backs tests and local development; a single mutex
// stands in for the row lock the database provides.
type MemoryStore struct {
	mu       sync.Mutex
	baseline int64
	allocs   map[allocKey]*Allocation
	events   []UsageEvent
}

type allocKey struct {
	deviceID string
	month    string
}

func NewMemoryStore(baselineTokens int64) *MemoryStore {
	return &MemoryStore{
		baseline: baselineTokens,
		allocs:   make(map[allocKey]*Allocation),
	}
}

func (s *MemoryStore) GetOrCreateAllocation(_ context.Context, deviceID, month string) (*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.getOrCreateLocked(deviceID, month, s.baseline)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) getOrCreateLocked(deviceID, month string, allocated int64) *Allocation {
	key := allocKey{deviceID, month}
	if a, ok := s.allocs[key]; ok {
		return a
	}
	a := &Allocation{DeviceID: deviceID, Month: month, Allocated: allocated}
	s.allocs[key] = a
	return a
}

func (s *MemoryStore) Decrement(_ context.Context, deviceID, month string, ev *UsageEvent) (*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreateLocked(deviceID, month, s.baseline)
	if a.Used+ev.Cost > a.Allocated {
		return nil, &api.BudgetError{Remaining: a.Allocated - a.Used}
	}
	a.Used += ev.Cost

	ev.ID = uuid.New().String()
	ev.DeviceID = deviceID
	ev.CreatedAt = time.Now()
	s.events = append(s.events, *ev)

	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Transfer(_ context.Context, tokens int64, fromDeviceID, toDeviceID, month string) error {
	if tokens <= 0 {
		return api.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fromDeviceID != "" {
		from := s.getOrCreateLocked(fromDeviceID, month, s.baseline)
		if from.Remaining() < tokens {
			return &api.BudgetError{Remaining: from.Remaining()}
		}
		from.Allocated -= tokens
	}

	to := s.getOrCreateLocked(toDeviceID, month, 0)
	to.Allocated += tokens
	return nil
}

func (s *MemoryStore) ResetAll(_ context.Context, month string, defaultTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for key := range s.allocs {
		seen[key.deviceID] = true
	}
	for deviceID := range seen {
		s.allocs[allocKey{deviceID, month}] = &Allocation{
			DeviceID:  deviceID,
			Month:     month,
			Allocated: defaultTokens,
		}
	}
	return nil
}

func (s *MemoryStore) History(_ context.Context, deviceID string, limit int) ([]UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []UsageEvent
	for i := len(s.events) - 1; i >= 0 && len(events) < limit; i-- {
		if s.events[i].DeviceID == deviceID {
			events = append(events, s.events[i])
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

// EventCount reports how many usage events a device has logged. Test helper.
func (s *MemoryStore) EventCount(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.DeviceID == deviceID {
			n++
		}
	}
	return n
}
