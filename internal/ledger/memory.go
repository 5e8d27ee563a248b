package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]model.TradeEvent
	markets     map[string]*model.Market
	memberships map[string][]model.MembershipInterval
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]model.TradeEvent),
		markets:     make(map[string]*model.Market),
		memberships: make(map[string][]model.MembershipInterval),
	}
}

func (s *MemoryStore) UpsertBatch(_ context.Context, events []model.TradeEvent, markets []*model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range markets {
		existing, ok := s.markets[m.ID]
		if !ok {
			copy := *m
			s.markets[m.ID] = &copy
			continue
		}
		mergeMarketFirstNonNull(existing, m)
	}
	// Events key on the canonical id, so duplicate streams converge even
	// when they arrive in separate batches.
	for _, e := range events {
		key := CanonicalID(e.ID)
		existing, ok := s.events[key]
		if !ok || Supersedes(e, existing) {
			s.events[key] = e
		}
	}
	return nil
}

// mergeMarketFirstNonNull mirrors the SQL conflict clause: existing non-null
// fields are kept, gaps are filled from the incoming row.
func mergeMarketFirstNonNull(dst, src *model.Market) {
	if dst.League == "" {
		dst.League = src.League
	}
	if dst.LockTime == 0 {
		dst.LockTime = src.LockTime
	}
	if !dst.IsFinal {
		dst.IsFinal = src.IsFinal
	}
	if dst.OutcomeCount == 0 {
		dst.OutcomeCount = src.OutcomeCount
	}
	if dst.WinningOutcomeIndex == nil && src.WinningOutcomeIndex != nil {
		v := *src.WinningOutcomeIndex
		dst.WinningOutcomeIndex = &v
	}
	if dst.HomeName == "" {
		dst.HomeName = src.HomeName
	}
	if dst.AwayName == "" {
		dst.AwayName = src.AwayName
	}
	if dst.HomeCode == "" {
		dst.HomeCode = src.HomeCode
	}
	if dst.AwayCode == "" {
		dst.AwayCode = src.AwayCode
	}
	if dst.Question == "" {
		dst.Question = src.Question
	}
}

func (s *MemoryStore) EventsBySubject(_ context.Context, subject string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject = model.NormalizeSubject(subject)
	var result []model.TradeEvent
	for _, e := range s.events {
		if e.Subject == subject {
			result = append(result, e)
		}
	}
	sortEvents(result)
	return result, nil
}

func (s *MemoryStore) EventsForSubjects(_ context.Context, subjects []string, w Window) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(subjects))
	for _, sub := range subjects {
		want[model.NormalizeSubject(sub)] = true
	}
	var result []model.TradeEvent
	for _, e := range s.events {
		if want[e.Subject] && w.Contains(e.Timestamp) {
			result = append(result, e)
		}
	}
	sortEvents(result)
	return result, nil
}

func (s *MemoryStore) MarketsByIDs(_ context.Context, ids []string) (map[string]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make(map[string]model.Market, len(ids))
	for _, id := range ids {
		if m, ok := s.markets[id]; ok {
			markets[id] = *m
		}
	}
	return markets, nil
}

func (s *MemoryStore) SubjectVolumes(_ context.Context, w Window) ([]SubjectVolume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*SubjectVolume)
	for _, e := range s.events {
		if e.Kind != model.KindBuy || !w.Contains(e.Timestamp) {
			continue
		}
		v, ok := agg[e.Subject]
		if !ok {
			v = &SubjectVolume{Subject: e.Subject}
			agg[e.Subject] = v
		}
		v.BuyGross = v.BuyGross.Add(e.GrossIn)
		v.Trades++
	}
	volumes := make([]SubjectVolume, 0, len(agg))
	for _, v := range agg {
		volumes = append(volumes, *v)
	}
	sort.Slice(volumes, func(i, j int) bool {
		if !volumes[i].BuyGross.Equal(volumes[j].BuyGross) {
			return volumes[i].BuyGross.GreaterThan(volumes[j].BuyGross)
		}
		return volumes[i].Subject < volumes[j].Subject
	})
	return volumes, nil
}

func (s *MemoryStore) MembershipIntervals(_ context.Context, groupID string) ([]model.MembershipInterval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intervals := make([]model.MembershipInterval, len(s.memberships[groupID]))
	copy(intervals, s.memberships[groupID])
	return intervals, nil
}

// AddMembership seeds a membership interval. Test helper.
func (s *MemoryStore) AddMembership(mi model.MembershipInterval) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mi.Subject = model.NormalizeSubject(mi.Subject)
	s.memberships[mi.GroupID] = append(s.memberships[mi.GroupID], mi)
}

// Event returns the persisted row under an id's canonical key. Test helper.
func (s *MemoryStore) Event(id string) (model.TradeEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[CanonicalID(id)]
	return e, ok
}

// Market returns a persisted market by id. Test helper.
func (s *MemoryStore) Market(id string) (model.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return model.Market{}, false
	}
	return *m, true
}

// EventCount returns the number of persisted ledger rows. Test helper.
func (s *MemoryStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func sortEvents(events []model.TradeEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
}
