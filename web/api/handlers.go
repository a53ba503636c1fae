package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/requeststore"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

// EnqueueRequest is the inbound payload for a new help request.
type EnqueueRequest struct {
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	Location string `json:"location,omitempty"`
	Contact  string `json:"contact,omitempty"`
}

// RequestResponse is the API view of a request.
type RequestResponse struct {
	ID          string         `json:"id"`
	Title       string         `json:"title,omitempty"`
	Text        string         `json:"text"`
	Location    string         `json:"location,omitempty"`
	Contact     string         `json:"contact,omitempty"`
	Stage       string         `json:"stage"`
	Status      string         `json:"status"`
	Payload     domain.Payload `json:"payload"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
	ResumeAfter *string        `json:"resume_after,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// LotResponse is the API view of a resource lot.
type LotResponse struct {
	ResourceType string `json:"resource_type"`
	Location     string `json:"location"`
	Total        int    `json:"total"`
	Available    int    `json:"available"`
	Reserved     int    `json:"reserved"`
	Threshold    int    `json:"threshold"`
	LowStock     bool   `json:"low_stock"`
}

func requestToResponse(r *domain.Request) RequestResponse {
	resp := RequestResponse{
		ID:         r.ID,
		Title:      r.Title,
		Text:       r.Text,
		Location:   r.Location,
		Contact:    r.Contact,
		Stage:      string(r.Stage),
		Status:     string(r.Status),
		Payload:    r.Payload,
		RetryCount: r.RetryCount,
		LastError:  r.LastError,
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  r.UpdatedAt.Format(time.RFC3339),
	}
	if r.ResumeAfter != nil {
		t := r.ResumeAfter.Format(time.RFC3339)
		resp.ResumeAfter = &t
	}
	return resp
}

// requestsHandler serves POST /api/requests (enqueue) and GET
// /api/requests (list, filterable by stage and status).
func (s *Server) requestsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var in EnqueueRequest
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if strings.TrimSpace(in.Text) == "" {
				writeError(w, http.StatusBadRequest, "text is required")
				return
			}

			req := &domain.Request{
				Title:    in.Title,
				Text:     in.Text,
				Location: in.Location,
				Contact:  in.Contact,
			}
			if err := s.store.Enqueue(req); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if s.waker != nil {
				s.waker.Wake()
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, map[string]string{"id": req.ID})

		case http.MethodGet:
			opts := requeststore.ListOptions{
				Stage:  domain.Stage(r.URL.Query().Get("stage")),
				Status: domain.Status(r.URL.Query().Get("status")),
			}
			requests, err := s.store.List(opts)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			responses := make([]RequestResponse, len(requests))
			for i, req := range requests {
				responses[i] = requestToResponse(req)
			}
			writeJSON(w, responses)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// requestHandler serves GET /api/requests/{id}, GET
// /api/requests/{id}/status and POST /api/requests/{id}/cancel.
func (s *Server) requestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/requests/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "request ID required")
			return
		}

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel"):
			id := strings.TrimSuffix(path, "/cancel")
			err := s.store.RequestCancel(id)
			if errors.Is(err, requeststore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "request not found or already terminal")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if s.waker != nil {
				s.waker.Wake()
			}
			writeJSON(w, map[string]string{"status": "cancel requested"})

		case r.Method == http.MethodGet && strings.HasSuffix(path, "/status"):
			id := strings.TrimSuffix(path, "/status")
			s.serveStatus(w, r, id)

		case r.Method == http.MethodGet:
			req, err := s.store.Get(path)
			if errors.Is(err, requeststore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "request not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, requestToResponse(req))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// serveStatus answers from the Redis mirror when possible, falling
// back to the store.
func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request, id string) {
	if s.cache != nil {
		entry, ok, err := s.cache.Get(r.Context(), id)
		if err == nil && ok {
			writeJSON(w, map[string]string{
				"id":     id,
				"stage":  entry.Stage,
				"status": entry.Status,
				"source": "cache",
			})
			return
		}
	}

	req, err := s.store.Get(id)
	if errors.Is(err, requeststore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{
		"id":     id,
		"stage":  string(req.Stage),
		"status": string(req.Status),
		"source": "store",
	})
}

func (s *Server) wakeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.waker != nil {
			s.waker.Wake()
		}
		writeJSON(w, map[string]string{"status": "woken"})
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		counters, err := s.store.Counters()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, counters)
	}
}

func (s *Server) lotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		lots, err := s.pool.Lots(resourcepool.LotOptions{
			ResourceType: r.URL.Query().Get("type"),
			Location:     r.URL.Query().Get("location"),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		responses := make([]LotResponse, len(lots))
		for i, l := range lots {
			responses[i] = LotResponse{
				ResourceType: l.ResourceType,
				Location:     l.Location,
				Total:        l.Total,
				Available:    l.Available,
				Reserved:     l.Reserved,
				Threshold:    l.Threshold,
				LowStock:     l.LowStock(),
			}
		}
		writeJSON(w, responses)
	}
}
