package views

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oddsmarket/ledger-engine/internal/ledger"
	"github.com/oddsmarket/ledger-engine/internal/swr"
)

// Meta is the freshness metadata attached to every response, so a consumer
// can distinguish "slightly old but trustworthy" from "refresh is failing".
type Meta struct {
	SourceVersion string `json:"source_version,omitempty"`
	Stale         bool   `json:"stale"`
	AgeSeconds    int64  `json:"age_seconds"`
	LastError     string `json:"last_error,omitempty"`
}

// Envelope wraps every view payload with its freshness metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Routes mounts the view handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/leaderboard", s.HandleLeaderboard)
	r.Get("/volume", s.HandleVolume)
	r.Get("/groups/{groupID}/leaderboard", s.HandleGroupLeaderboard)
	r.Get("/groups/{groupID}/members", s.HandleGroupMembers)
	r.Get("/users/{subject}/trades", s.HandleRecentTrades)
	r.Get("/users/{subject}/portfolio", s.HandlePortfolio)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// HandleLeaderboard handles GET /api/v1/leaderboard?leagues=&start=&end=
func (s *Service) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &LeaderboardView{
		Svc:     s,
		Leagues: csvParam(r, "leagues"),
		Window:  windowParam(r),
	})
}

// HandleVolume handles GET /api/v1/volume?start=&end=&limit=
func (s *Service) HandleVolume(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.serve(w, r, &VolumeView{
		Svc:    s,
		Window: windowParam(r),
		Limit:  limit,
	})
}

// HandleGroupLeaderboard handles GET /api/v1/groups/{groupID}/leaderboard
func (s *Service) HandleGroupLeaderboard(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &GroupLeaderboardView{
		Svc:     s,
		GroupID: chi.URLParam(r, "groupID"),
		Leagues: csvParam(r, "leagues"),
		Window:  windowParam(r),
	})
}

// HandleGroupMembers handles GET /api/v1/groups/{groupID}/members
func (s *Service) HandleGroupMembers(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &GroupMembersView{
		Svc:     s,
		GroupID: chi.URLParam(r, "groupID"),
	})
}

// HandleRecentTrades handles GET /api/v1/users/{subject}/trades?start=&end=&limit=
func (s *Service) HandleRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.serve(w, r, &RecentTradesView{
		Svc:     s,
		Subject: chi.URLParam(r, "subject"),
		Window:  windowParam(r),
		Limit:   limit,
	})
}

// HandlePortfolio handles GET /api/v1/users/{subject}/portfolio
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &PortfolioView{
		Svc:     s,
		Subject: chi.URLParam(r, "subject"),
	})
}

// serve runs a view through the cache and writes the envelope. Only "no
// data available at all" surfaces as an error response.
func (s *Service) serve(w http.ResponseWriter, r *http.Request, view swr.Refresher) {
	lookup, err := s.cache.Get(r.Context(), view)
	if err != nil {
		if errors.Is(err, swr.ErrUnavailable) {
			writeError(w, "data unavailable", http.StatusServiceUnavailable)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Envelope{
		Meta: Meta{
			SourceVersion: lookup.SourceVersion,
			Stale:         lookup.Stale,
			AgeSeconds:    lookup.AgeSeconds,
			LastError:     lookup.LastError,
		},
		Data: lookup.Payload,
	})
}

func csvParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func windowParam(r *http.Request) ledger.Window {
	start, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	end, _ := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	return ledger.Window{Start: start, End: end}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
