package ingestion

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// NewRouter serves health, readiness, metrics and the ingestion status.
func NewRouter(h *HTTPHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	h.Register(api)
	return router
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/ingest/status", h.handleStatus).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.service.Status()); err != nil {
		logger.Log.WithError(err).Error("failed to encode ingestion status")
	}
}
