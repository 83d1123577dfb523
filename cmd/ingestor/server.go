package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"supplierflow/auth"
	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/supplier"
	kafkatransport "supplierflow/transport/kafka"
)

const maxBodyBytes = 1 << 20

type ctxKey string

const ctxKeyClaims ctxKey = "claims"

// Publisher forwards accepted ingress records to a supplier's source topic.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error
	Topic() string
}

// SagaReader looks saga records up for the audit endpoint.
type SagaReader interface {
	Get(ctx context.Context, id correlation.Identity) (saga.Record, error)
}

// Server serves the HTTP ingress, saga lookup and health endpoints.
type Server struct {
	publishers map[string]Publisher
	sagas      SagaReader
	ready      http.Handler
	// tokens is nil when ingress authentication is disabled.
	tokens *auth.Tokens
	logger *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/suppliera/input-received", s.authenticate(handleInput[supplier.SupplierAInput](s, supplier.OriginSupplierA)))
	mux.Handle("/api/supplierb/input-received", s.authenticate(handleInput[supplier.SupplierBInput](s, supplier.OriginSupplierB)))
	mux.Handle("/api/sagas/", s.authenticate(http.HandlerFunc(s.handleSaga)))
	mux.HandleFunc("/healthz", handleLiveness)
	if s.ready != nil {
		mux.Handle("/readyz", s.ready)
	}
	return mux
}

type acceptedResponse struct {
	CorrelationID string `json:"correlationId"`
	Topic         string `json:"topic"`
}

type sagaResponse struct {
	CorrelationID    string   `json:"correlationId"`
	ExternalID       string   `json:"externalId"`
	State            string   `json:"state"`
	Version          int      `json:"version"`
	Plate            string   `json:"plate"`
	InfringementCode int      `json:"infringementCode"`
	Amount           float64  `json:"amount"`
	OriginSystem     string   `json:"originSystem"`
	Valid            bool     `json:"isValid"`
	Errors           []string `json:"validationErrors,omitempty"`
	CreatedAt        string   `json:"createdAt"`
	UpdatedAt        string   `json:"updatedAt"`
}

// handleInput accepts one supplier record and publishes it keyed by its
// business key. The saga itself is resolved by the topic's consumer.
func handleInput[T interface{ BusinessKey() string }](s *Server, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !s.canPublish(r.Context(), origin) {
			writeError(w, http.StatusForbidden, "not allowed to publish for "+origin)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}

		in, err := supplier.Decode[T](body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		key := in.BusinessKey()
		id, err := correlation.Derive(key)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		pub, ok := s.publishers[origin]
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no publisher for "+origin)
			return
		}
		if err := pub.Publish(r.Context(), key, body,
			kafka.Header{Key: kafkatransport.HeaderCorrelationID, Value: []byte(id.String())},
		); err != nil {
			s.log().Error("publish ingress record", "origin", origin, "external_id", key, "error", err)
			writeError(w, http.StatusBadGateway, "publish failed")
			return
		}

		writeJSON(w, http.StatusAccepted, acceptedResponse{CorrelationID: id.String(), Topic: pub.Topic()})
	})
}

func (s *Server) handleSaga(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if claims, ok := claimsFrom(r.Context()); ok && claims.Role != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}

	externalID := strings.TrimPrefix(r.URL.Path, "/api/sagas/")
	if externalID == "" || strings.Contains(externalID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := correlation.Derive(externalID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.sagas.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			writeError(w, http.StatusNotFound, "saga not found")
			return
		}
		s.log().Error("get saga", "external_id", externalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, sagaResponse{
		CorrelationID:    rec.ID.String(),
		ExternalID:       rec.ExternalID,
		State:            string(rec.State),
		Version:          rec.Version,
		Plate:            rec.Plate,
		InfringementCode: rec.InfringementCode,
		Amount:           rec.Amount,
		OriginSystem:     rec.OriginSystem,
		Valid:            rec.Valid,
		Errors:           rec.Errors,
		CreatedAt:        rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        rec.UpdatedAt.Format(time.RFC3339),
	})
}

func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate requires a valid bearer token when tokens are configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) canPublish(ctx context.Context, origin string) bool {
	claims, ok := claimsFrom(ctx)
	if !ok {
		return s.tokens == nil
	}
	return claims.CanPublish(origin)
}

func claimsFrom(ctx context.Context) (auth.Claims, bool) {
	claims, ok := ctx.Value(ctxKeyClaims).(auth.Claims)
	return claims, ok
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
