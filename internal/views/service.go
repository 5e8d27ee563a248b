// Package views defines one versioned refresh operation per caller-facing
// view (leaderboard, volume, group leaderboard, group members, recent
// trades, portfolio) and the HTTP handlers that serve them through the
// revalidating cache.
//
// Every refresh is referentially transparent modulo upstream changes:
// identical params against identical underlying data produce the same
// payload. Leaderboard and group views window by market lock time; recent
// trades page by event timestamp. One convention per view, never mixed.
package views

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/aggregate"
	"github.com/oddsmarket/ledger-engine/internal/groups"
	"github.com/oddsmarket/ledger-engine/internal/indexer"
	"github.com/oddsmarket/ledger-engine/internal/ledger"
	"github.com/oddsmarket/ledger-engine/internal/metrics"
	"github.com/oddsmarket/ledger-engine/internal/model"
	"github.com/oddsmarket/ledger-engine/internal/normalize"
	"github.com/oddsmarket/ledger-engine/internal/position"
	"github.com/oddsmarket/ledger-engine/internal/swr"
)

// EventSource is the upstream indexer contract the refresh pipelines pull
// from. *indexer.Client implements it.
type EventSource interface {
	FetchAll(ctx context.Context, q indexer.Query) ([]normalize.RawEvent, []normalize.RawMarket, string, error)
}

// Service owns the refresh pipelines and their HTTP handlers.
type Service struct {
	store    ledger.Store
	source   EventSource
	ingestor *ledger.Ingestor
	cache    *swr.Cache
	hub      *Hub
	now      func() time.Time
}

// NewService creates the view service. Pass nil for hub if WebSocket
// notifications are not needed.
func NewService(store ledger.Store, source EventSource, cache *swr.Cache, hub *Hub) *Service {
	return &Service{
		store:    store,
		source:   source,
		ingestor: ledger.NewIngestor(store),
		cache:    cache,
		hub:      hub,
		now:      time.Now,
	}
}

// ingest pulls one upstream query, normalizes it, and lands it in the
// ledger. Returns the normalized batch and the upstream cursor.
func (s *Service) ingest(ctx context.Context, q indexer.Query) (normalize.Batch, string, error) {
	raw, rawMarkets, cursor, err := s.source.FetchAll(ctx, q)
	if err != nil {
		return normalize.Batch{}, "", fmt.Errorf("fetch upstream: %w", err)
	}
	batch := normalize.NewBatch(raw, rawMarkets)
	if err := s.ingestor.Ingest(ctx, batch); err != nil {
		return normalize.Batch{}, "", err
	}
	return batch, cursor, nil
}

// canonicalEvents reads the deduped ledger back for the given subjects,
// with the markets they reference.
func (s *Service) canonicalEvents(ctx context.Context, subjects []string) ([]model.TradeEvent, map[string]model.Market, error) {
	events, err := s.store.EventsForSubjects(ctx, subjects, ledger.Window{})
	if err != nil {
		return nil, nil, fmt.Errorf("read ledger: %w", err)
	}
	markets, err := s.store.MarketsByIDs(ctx, ledger.MarketIDs(events))
	if err != nil {
		return nil, nil, fmt.Errorf("read markets: %w", err)
	}
	return events, markets, nil
}

func subjectsOf(events []model.TradeEvent) []string {
	seen := make(map[string]bool)
	var subjects []string
	for _, e := range events {
		if !seen[e.Subject] {
			seen[e.Subject] = true
			subjects = append(subjects, e.Subject)
		}
	}
	return subjects
}

func windowKey(w ledger.Window) string {
	return fmt.Sprintf("%d-%d", w.Start, w.End)
}

// sortRows orders leaderboard rows by traded volume descending, subject
// ascending on ties.
func sortRows(rows []aggregate.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Traded.Equal(rows[j].Traded) {
			return rows[i].Traded.GreaterThan(rows[j].Traded)
		}
		return rows[i].Subject < rows[j].Subject
	})
}

// --- Leaderboard ---

// LeaderboardPayload is the leaderboard view payload.
type LeaderboardPayload struct {
	Rows []aggregate.Row `json:"rows"`
}

// LeaderboardView refreshes the global leaderboard for a league set and a
// lock-time window.
type LeaderboardView struct {
	Svc     *Service
	Leagues []string
	Window  ledger.Window
}

func (v *LeaderboardView) Key() string {
	return "leaderboard:" + strings.Join(v.Leagues, ",") + ":" + windowKey(v.Window)
}

func (v *LeaderboardView) Refresh(ctx context.Context) (swr.Result, error) {
	batch, cursor, err := v.Svc.ingest(ctx, indexer.Query{
		Leagues: v.Leagues,
		Start:   v.Window.Start,
		End:     v.Window.End,
		By:      indexer.ByLockTime,
	})
	if err != nil {
		return swr.Result{}, err
	}

	events, markets, err := v.Svc.canonicalEvents(ctx, subjectsOf(batch.Events))
	if err != nil {
		return swr.Result{}, err
	}

	rows := aggregate.Compute(aggregate.Params{
		Subjects: subjectsOf(events),
		Leagues:  v.Leagues,
		Window:   v.Window,
	}, events, markets)
	sortRows(rows)

	return swr.Result{
		Payload:       LeaderboardPayload{Rows: rows},
		SourceVersion: cursor,
	}, nil
}

// --- Subject volumes ---

// VolumePayload ranks subjects by buy-side gross over an event-timestamp
// window.
type VolumePayload struct {
	Rows []ledger.SubjectVolume `json:"rows"`
}

// VolumeView refreshes the per-subject volume ranking straight off the
// ledger's aggregate query.
type VolumeView struct {
	Svc    *Service
	Window ledger.Window
	Limit  int
}

func (v *VolumeView) Key() string {
	return "volume:" + windowKey(v.Window)
}

func (v *VolumeView) Refresh(ctx context.Context) (swr.Result, error) {
	_, cursor, err := v.Svc.ingest(ctx, indexer.Query{
		Start: v.Window.Start,
		End:   v.Window.End,
		By:    indexer.ByTimestamp,
	})
	if err != nil {
		return swr.Result{}, err
	}

	rows, err := v.Svc.store.SubjectVolumes(ctx, v.Window)
	if err != nil {
		return swr.Result{}, fmt.Errorf("read volumes: %w", err)
	}
	if limit := v.Limit; limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []ledger.SubjectVolume{}
	}

	return swr.Result{
		Payload:       VolumePayload{Rows: rows},
		SourceVersion: cursor,
	}, nil
}

// --- Group leaderboard ---

// GroupLeaderboardPayload carries per-member rows plus group totals.
type GroupLeaderboardPayload struct {
	Group groups.Totals   `json:"group"`
	Rows  []aggregate.Row `json:"rows"`
}

// GroupLeaderboardView refreshes one group's leaderboard. Activity counts
// toward the group only while the market's lock time is covered by the
// member's membership intervals.
type GroupLeaderboardView struct {
	Svc     *Service
	GroupID string
	Leagues []string
	Window  ledger.Window
}

func (v *GroupLeaderboardView) Key() string {
	return "group-leaderboard:" + v.GroupID + ":" + strings.Join(v.Leagues, ",") + ":" + windowKey(v.Window)
}

func (v *GroupLeaderboardView) Refresh(ctx context.Context) (swr.Result, error) {
	intervals, err := v.Svc.store.MembershipIntervals(ctx, v.GroupID)
	if err != nil {
		return swr.Result{}, fmt.Errorf("read memberships: %w", err)
	}
	roster := groups.NewRoster(v.GroupID, intervals)
	members := roster.Subjects()
	if len(members) == 0 {
		return swr.Result{Payload: GroupLeaderboardPayload{
			Group: groups.Totals{GroupID: v.GroupID},
			Rows:  []aggregate.Row{},
		}}, nil
	}

	_, cursor, err := v.Svc.ingest(ctx, indexer.Query{
		Subjects: members,
		Leagues:  v.Leagues,
		Start:    v.Window.Start,
		End:      v.Window.End,
		By:       indexer.ByLockTime,
	})
	if err != nil {
		return swr.Result{}, err
	}

	events, markets, err := v.Svc.canonicalEvents(ctx, members)
	if err != nil {
		return swr.Result{}, err
	}

	anchor := v.Window.End
	if anchor == 0 {
		anchor = v.Svc.now().Unix()
	}
	rows, totals := groups.Leaderboard(roster, v.Leagues, v.Window, events, markets, anchor)
	sortRows(rows)

	return swr.Result{
		Payload:       GroupLeaderboardPayload{Group: totals, Rows: rows},
		SourceVersion: cursor,
	}, nil
}

// --- Group members ---

// GroupMember is one row of the group members view.
type GroupMember struct {
	Subject   string `json:"subject"`
	Active    bool   `json:"active"`
	JoinedAt  int64  `json:"joined_at"` // start of the most recent interval
	Intervals int    `json:"intervals"`
}

// GroupMembersPayload lists a group's membership. ActiveMembers anchors on
// a single instant, independent of any metrics window.
type GroupMembersPayload struct {
	GroupID       string        `json:"group_id"`
	ActiveMembers int           `json:"active_members"`
	Members       []GroupMember `json:"members"`
}

// GroupMembersView refreshes the membership listing for one group.
type GroupMembersView struct {
	Svc     *Service
	GroupID string
}

func (v *GroupMembersView) Key() string {
	return "group-members:" + v.GroupID
}

func (v *GroupMembersView) Refresh(ctx context.Context) (swr.Result, error) {
	intervals, err := v.Svc.store.MembershipIntervals(ctx, v.GroupID)
	if err != nil {
		return swr.Result{}, fmt.Errorf("read memberships: %w", err)
	}
	roster := groups.NewRoster(v.GroupID, intervals)
	anchor := v.Svc.now().Unix()

	bySubject := make(map[string][]model.MembershipInterval)
	for _, mi := range intervals {
		s := model.NormalizeSubject(mi.Subject)
		bySubject[s] = append(bySubject[s], mi)
	}

	payload := GroupMembersPayload{
		GroupID:       v.GroupID,
		ActiveMembers: roster.ActiveMembers(anchor),
		Members:       []GroupMember{},
	}
	for _, subject := range roster.Subjects() {
		his := bySubject[subject]
		latest := his[0].JoinedAt
		for _, mi := range his {
			if mi.JoinedAt > latest {
				latest = mi.JoinedAt
			}
		}
		payload.Members = append(payload.Members, GroupMember{
			Subject:   subject,
			Active:    roster.Covers(subject, anchor),
			JoinedAt:  latest,
			Intervals: len(his),
		})
	}

	return swr.Result{Payload: payload}, nil
}

// --- Recent trades ---

// RecentTradesPayload pages a subject's activity by event timestamp,
// newest first, with realized P/L filled in on sells.
type RecentTradesPayload struct {
	Subject string             `json:"subject"`
	Trades  []model.TradeEvent `json:"trades"`
}

// RecentTradesView refreshes one subject's recent ledger activity.
type RecentTradesView struct {
	Svc     *Service
	Subject string
	Window  ledger.Window
	Limit   int
}

func (v *RecentTradesView) Key() string {
	return "recent-trades:" + model.NormalizeSubject(v.Subject) + ":" + windowKey(v.Window)
}

func (v *RecentTradesView) Refresh(ctx context.Context) (swr.Result, error) {
	subject := model.NormalizeSubject(v.Subject)
	_, cursor, err := v.Svc.ingest(ctx, indexer.Query{
		Subjects: []string{subject},
		Start:    v.Window.Start,
		End:      v.Window.End,
		By:       indexer.ByTimestamp,
	})
	if err != nil {
		return swr.Result{}, err
	}

	history, err := v.Svc.store.EventsBySubject(ctx, subject)
	if err != nil {
		return swr.Result{}, fmt.Errorf("read ledger: %w", err)
	}

	res := position.Replay(history)
	metrics.OrphanSells.Add(float64(res.OrphanSells))

	limit := v.Limit
	if limit <= 0 {
		limit = 50
	}
	trades := make([]model.TradeEvent, 0, limit)
	for i := len(res.Events) - 1; i >= 0 && len(trades) < limit; i-- {
		if v.Window.Contains(res.Events[i].Timestamp) {
			trades = append(trades, res.Events[i])
		}
	}

	return swr.Result{
		Payload:       RecentTradesPayload{Subject: subject, Trades: trades},
		SourceVersion: cursor,
	}, nil
}

// --- Portfolio ---

// OutcomeReturn breaks a subject's realized return down per market outcome,
// with market-level claims allocated to the winning side.
type OutcomeReturn struct {
	MarketID     string          `json:"market_id"`
	OutcomeIndex int             `json:"outcome_index"`
	OutcomeCode  string          `json:"outcome_code"`
	League       string          `json:"league"`
	BuyGross     decimal.Decimal `json:"buy_gross"`
	SellProceeds decimal.Decimal `json:"sell_proceeds"`
	ClaimShare   decimal.Decimal `json:"claim_share"`
	RealizedPnl  decimal.Decimal `json:"realized_pnl"`
}

// PortfolioPayload is the portfolio view payload.
type PortfolioPayload struct {
	Subject     string           `json:"subject"`
	Positions   []model.Position `json:"positions"`
	Returns     []OutcomeReturn  `json:"returns"`
	Traded      decimal.Decimal  `json:"traded"`
	Returned    decimal.Decimal  `json:"returned"`
	RealizedPnl decimal.Decimal  `json:"realized_pnl"`
	ROI         *decimal.Decimal `json:"roi"`
}

// PortfolioView refreshes one subject's full portfolio: open positions from
// the cost-basis replay plus per-outcome realized returns.
type PortfolioView struct {
	Svc     *Service
	Subject string
}

func (v *PortfolioView) Key() string {
	return "portfolio:" + model.NormalizeSubject(v.Subject)
}

func (v *PortfolioView) Refresh(ctx context.Context) (swr.Result, error) {
	subject := model.NormalizeSubject(v.Subject)
	_, cursor, err := v.Svc.ingest(ctx, indexer.Query{
		Subjects: []string{subject},
		By:       indexer.ByTimestamp,
	})
	if err != nil {
		return swr.Result{}, err
	}

	history, err := v.Svc.store.EventsBySubject(ctx, subject)
	if err != nil {
		return swr.Result{}, fmt.Errorf("read ledger: %w", err)
	}
	markets, err := v.Svc.store.MarketsByIDs(ctx, ledger.MarketIDs(history))
	if err != nil {
		return swr.Result{}, fmt.Errorf("read markets: %w", err)
	}

	res := position.Replay(history)
	metrics.OrphanSells.Add(float64(res.OrphanSells))

	payload := buildPortfolio(subject, res, markets)
	return swr.Result{Payload: payload, SourceVersion: cursor}, nil
}

// buildPortfolio folds a replay result into the portfolio payload,
// allocating market-level claims across outcomes.
func buildPortfolio(subject string, res position.Result, markets map[string]model.Market) PortfolioPayload {
	payload := PortfolioPayload{
		Subject:   subject,
		Positions: res.Positions,
		Returns:   []OutcomeReturn{},
	}
	if payload.Positions == nil {
		payload.Positions = []model.Position{}
	}

	type marketTally struct {
		buyGross map[int]decimal.Decimal
		sells    map[int]decimal.Decimal
		pnl      map[int]decimal.Decimal
		claims   decimal.Decimal
		outcomes []int
	}
	tallies := make(map[string]*marketTally)
	var marketOrder []string

	for _, ev := range res.Events {
		t, ok := tallies[ev.MarketID]
		if !ok {
			t = &marketTally{
				buyGross: make(map[int]decimal.Decimal),
				sells:    make(map[int]decimal.Decimal),
				pnl:      make(map[int]decimal.Decimal),
			}
			tallies[ev.MarketID] = t
			marketOrder = append(marketOrder, ev.MarketID)
		}
		if ev.Kind == model.KindClaim {
			t.claims = t.claims.Add(ev.NetOut)
			payload.Returned = payload.Returned.Add(ev.NetOut)
			continue
		}
		outcome := *ev.OutcomeIndex
		if _, seen := t.buyGross[outcome]; !seen {
			t.outcomes = append(t.outcomes, outcome)
			t.buyGross[outcome] = decimal.Zero
		}
		switch ev.Kind {
		case model.KindBuy:
			t.buyGross[outcome] = t.buyGross[outcome].Add(ev.GrossIn)
			payload.Traded = payload.Traded.Add(ev.GrossIn)
		case model.KindSell:
			t.sells[outcome] = t.sells[outcome].Add(ev.NetOut)
			t.pnl[outcome] = t.pnl[outcome].Add(ev.RealizedPnl)
			payload.Returned = payload.Returned.Add(ev.NetOut)
			payload.RealizedPnl = payload.RealizedPnl.Add(ev.RealizedPnl)
		}
	}

	for _, marketID := range marketOrder {
		t := tallies[marketID]
		m := markets[marketID]
		alloc := aggregate.AllocateClaim(m, t.claims, t.buyGross)
		sort.Ints(t.outcomes)
		for _, outcome := range t.outcomes {
			payload.Returns = append(payload.Returns, OutcomeReturn{
				MarketID:     marketID,
				OutcomeIndex: outcome,
				OutcomeCode:  m.OutcomeCode(outcome),
				League:       m.League,
				BuyGross:     t.buyGross[outcome],
				SellProceeds: t.sells[outcome],
				ClaimShare:   alloc[outcome],
				RealizedPnl:  t.pnl[outcome],
			})
		}
	}

	if payload.Traded.IsPositive() {
		roi := payload.Returned.Div(payload.Traded).Sub(decimal.NewFromInt(1)).Round(6)
		payload.ROI = &roi
	}
	return payload
}
