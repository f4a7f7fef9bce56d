package host

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldline/mutationplane/internal/metrics"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
)

// APIKeyHeader carries the admin API key on every mutating request.
const APIKeyHeader = "mutator_apikey"

// MutatorStatus is one row of the admin mutator listing.
type MutatorStatus struct {
	CorrelationID string                      `json:"mutator_correlation_id"`
	Attributes    map[string]protocol.AttrVal `json:"attributes"`
	Active        bool                        `json:"mutation_active"`
}

// Mutators snapshots the registered mutators for the admin surface.
func (h *Host) Mutators() []MutatorStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MutatorStatus, 0, len(h.mutators))
	for id, entry := range h.mutators {
		attrs := make(map[string]protocol.AttrVal, len(entry.attrs))
		for _, kv := range entry.attrs {
			attrs[kv.Key] = kv.Val
		}
		out = append(out, MutatorStatus{
			CorrelationID: id.String(),
			Attributes:    attrs,
			Active:        entry.hasActive,
		})
	}
	return out
}

// InjectDirect commands a mutation locally, bypassing the plane. The
// single-active rule applies exactly as for plane commands.
func (h *Host) InjectDirect(mutator protocol.MutatorID, mutation protocol.MutationID, params protocol.AttrKvs) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mutators[mutator]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutator, mutator)
	}
	return h.newMutationLocked(wire.NewMutation{
		MutatorID:  mutator,
		MutationID: mutation,
		Params:     params,
	})
}

// ClearDirect clears the active mutation on one mutator locally.
// Clearing an idle mutator is a no-op.
func (h *Host) ClearDirect(mutator protocol.MutatorID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.mutators[mutator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutator, mutator)
	}
	if !entry.hasActive {
		return nil
	}
	return h.clearLocked(mutator, entry, entry.active, true)
}

// AdminConfig configures the host admin HTTP surface.
type AdminConfig struct {
	Addr string
	// APIKey guards /mutator routes when non-empty; /health and
	// /metrics are always open.
	APIKey string
}

type mutationRequest struct {
	Mutation string                      `json:"mutation"`
	Params   map[string]protocol.AttrVal `json:"params"`
}

type mutationResponse struct {
	Mutation string `json:"mutation"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AdminHandler builds the admin router over the host's live mutator
// table.
func AdminHandler(h *Host, cfg AdminConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/mutator", func(r chi.Router) {
		r.Use(requireAPIKey(cfg.APIKey))
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, h.Mutators())
		})
		r.Post("/{mutatorID}/mutation", func(w http.ResponseWriter, req *http.Request) {
			mutator, ok := parseMutatorID(w, req)
			if !ok {
				return
			}
			var body mutationRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
				return
			}
			mutation := protocol.AllocateMutationID()
			if body.Mutation != "" {
				var err error
				mutation, err = protocol.ParseMutationID(body.Mutation)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid mutation id"})
					return
				}
			}
			params := make(protocol.AttrKvs, 0, len(body.Params))
			for key, val := range body.Params {
				params = append(params, protocol.AttrKv{Key: key, Val: val})
			}
			if err := h.InjectDirect(mutator, mutation, params); err != nil {
				if errors.Is(err, ErrUnknownMutator) {
					writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
					return
				}
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, mutationResponse{Mutation: mutation.String()})
		})
		r.Delete("/{mutatorID}/mutation", func(w http.ResponseWriter, req *http.Request) {
			mutator, ok := parseMutatorID(w, req)
			if !ok {
				return
			}
			if err := h.ClearDirect(mutator); err != nil {
				if errors.Is(err, ErrUnknownMutator) {
					writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
					return
				}
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

// ServeAdmin runs the admin server until ctx ends.
func ServeAdmin(ctx context.Context, h *Host, cfg AdminConfig) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           AdminHandler(h, cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if key != "" {
				got := req.Header.Get(APIKeyHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
					writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid api key"})
					return
				}
			}
			next.ServeHTTP(w, req)
		})
	}
}

func parseMutatorID(w http.ResponseWriter, req *http.Request) (protocol.MutatorID, bool) {
	raw := chi.URLParam(req, "mutatorID")
	u, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid mutator id"})
		return protocol.MutatorID{}, false
	}
	return protocol.MutatorID(u), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
