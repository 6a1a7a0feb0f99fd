package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/pulse/internal/config"
	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/modules/settings"
	"github.com/aristath/pulse/internal/orchestrator"
)

// GET /api/quotes
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := s.cfg.Core.Quotes()
	if quotes == nil {
		quotes = []domain.Quote{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"quotes":   quotes,
		"realtime": s.cfg.Core.IsRealtime(),
	})
}

// GET /api/news
func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	items := s.cfg.Core.News()
	if items == nil {
		items = []domain.NewsItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"news": items})
}

// POST /api/market/refresh?symbols=AAPL,MSFT
func (s *Server) handleMarketRefresh(w http.ResponseWriter, r *http.Request) {
	symbols := config.ParseSymbols(r.URL.Query().Get("symbols"))

	quotes, err := s.cfg.Core.UpdateMarketData(r.Context(), symbols)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if quotes == nil {
		quotes = []domain.Quote{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotes": quotes})
}

// POST /api/news/refresh
func (s *Server) handleNewsRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Core.UpdateNews(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// POST /api/sentiment/refresh
func (s *Server) handleSentimentRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Core.UpdateSentiment(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// POST /api/patterns/scan
func (s *Server) handlePatternScan(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.cfg.Core.RunPatternScan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if patterns == nil {
		patterns = []domain.Pattern{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"patterns": patterns})
}

// handleAIAnalysis starts an analysis. The outcome is delivered on the event
// stream unless wait=true is given, in which case the request blocks for it.
// POST /api/ai/{symbol}
func (s *Server) handleAIAnalysis(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	if symbol == "" {
		badRequest(w, "symbol is required")
		return
	}
	if !s.cfg.Core.IsRunning() {
		s.writeError(w, orchestrator.ErrNotRunning)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		rec, err := s.cfg.Core.UpdateAIAnalysis(r.Context(), symbol)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "recommendation": rec})
		return
	}

	go func() {
		if _, err := s.cfg.Core.UpdateAIAnalysis(context.Background(), symbol); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("AI analysis failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "symbol": symbol})
}

// GET /api/ai/{symbol}
func (s *Server) handleLastRecommendation(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	rec, ok := s.cfg.Core.LastRecommendation(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no recommendation for " + symbol})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PUT /api/settings/recurrence {"minutes": 10}
func (s *Server) handleRecurrence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !settings.ValidRecurrence(req.Minutes) {
		badRequest(w, "minutes must be one of 5, 10 or 15")
		return
	}

	if s.cfg.Settings != nil {
		if err := s.cfg.Settings.Set(settings.KeyAIRecurrenceMinutes, strconv.Itoa(req.Minutes)); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.cfg.Core.UpdateRecurrence(req.Minutes); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"minutes": req.Minutes})
}

// POST /api/settings/changed {"kind": "credentials"}
func (s *Server) handleSettingsChanged(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	kind, err := orchestrator.ParseChangeKind(req.Kind)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if !s.cfg.Core.NotifySettingsChanged(orchestrator.SettingsChange{Kind: kind}) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "settings change not accepted"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": string(kind)})
}

// GET /api/alerts
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Alerts.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.PriceAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": list})
}

// POST /api/alerts {"symbol": "AAPL", "condition": "above", "value": 200}
func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol    string                `json:"symbol"`
		Condition domain.AlertCondition `json:"condition"`
		Value     float64               `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	alert, err := s.cfg.Alerts.Create(r.Context(), req.Symbol, req.Condition, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

// DELETE /api/alerts/{id}
func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Alerts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
