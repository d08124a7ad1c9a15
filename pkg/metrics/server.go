package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Status is the engine's externally visible condition.
type Status struct {
	State           string `json:"state"`
	ActiveEra       uint32 `json:"active_era"`
	LastReportedEra int64  `json:"last_reported_era"`
	RelayEndpoint   string `json:"relay_endpoint"`
	ParaEndpoint    string `json:"parachain_endpoint"`
}

// StatusFunc supplies the current status on demand.
type StatusFunc func() Status

// NewServer builds the ops HTTP server: /metrics for scraping, /health for
// the plain state string, /status for the full JSON view.
func NewServer(addr string, set *Set, status StatusFunc, log *zap.Logger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", set.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(status().State))
	}).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.Warn("Encode status", zap.Error(err))
		}
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
