package ledger

import (
	"sort"
	"strings"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

// sourcePrefixes are the namespacing prefixes the upstream entity streams
// prepend to ids. Stripping them yields the dedup key shared by rows that
// describe the same economic event.
var sourcePrefixes = []string{
	model.SourceStake + ":",
	model.SourceTrade + ":",
	model.SourceClaim + ":",
}

// CanonicalID strips the source namespace from a raw event id.
func CanonicalID(id string) string {
	for _, p := range sourcePrefixes {
		if strings.HasPrefix(id, p) {
			return id[len(p):]
		}
	}
	return id
}

// sourceRank orders duplicate resolution: trade-sourced rows are the
// richest, then claims, then legacy stakes.
func sourceRank(source string) int {
	switch source {
	case model.SourceTrade:
		return 3
	case model.SourceClaim:
		return 2
	case model.SourceStake:
		return 1
	}
	return 0
}

// Dedup collapses rows that share a canonical id, keeping the richest record
// per key (trade > claim > stake, transaction hash as tie-breaker). The
// winner keeps its original id; the stores key persistence on the canonical
// id, so the collapse also holds across batches. Input order is preserved
// for the survivors; the dropped count is returned alongside.
func Dedup(events []model.TradeEvent) ([]model.TradeEvent, int) {
	type slot struct {
		ev    model.TradeEvent
		order int
	}
	best := make(map[string]slot, len(events))
	for i, ev := range events {
		key := CanonicalID(ev.ID)
		cur, ok := best[key]
		if !ok || wins(ev, cur.ev) {
			// Keep the earliest position so output order stays stable.
			order := i
			if ok {
				order = cur.order
			}
			best[key] = slot{ev: ev, order: order}
		}
	}
	if len(best) == len(events) {
		return events, 0
	}
	out := make([]slot, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	result := make([]model.TradeEvent, len(out))
	for i, s := range out {
		result[i] = s.ev
	}
	return result, len(events) - len(result)
}

// wins reports whether candidate should replace incumbent for one canonical id.
func wins(candidate, incumbent model.TradeEvent) bool {
	cr, ir := sourceRank(candidate.Source), sourceRank(incumbent.Source)
	if cr != ir {
		return cr > ir
	}
	return candidate.TxHash != "" && incumbent.TxHash == ""
}

// Supersedes reports whether an incoming row should replace a persisted row
// sharing its canonical id. A higher source rank always wins. At equal rank
// the incoming row wins unless that would drop a known transaction hash, so
// re-ingesting a batch refreshes data without losing enrichment.
// The conflict clause in upsertEventSQL mirrors this exactly.
func Supersedes(incoming, existing model.TradeEvent) bool {
	ir, er := sourceRank(incoming.Source), sourceRank(existing.Source)
	if ir != er {
		return ir > er
	}
	return incoming.TxHash != "" || existing.TxHash == ""
}
