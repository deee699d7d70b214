package api

import (
	"net/http"

	"mailwatch/internal/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all the necessary routes. The push
// endpoint and health check stay unauthenticated; everything else sits
// behind the bearer token.
func NewRouter(handler *APIHandler, notifications *NotificationHandler, events *EventSocketHandler, apiToken string, logger *utils.Logger) http.Handler {
	router := mux.NewRouter()

	// Pub/Sub push delivery. Authenticity is enforced at the
	// subscription level (OIDC), not with the management token.
	router.HandleFunc("/api/notifications/gmail", notifications.HandlePush).Methods("POST")

	router.HandleFunc("/api/health", HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(TokenAuthMiddleware(apiToken))

	// Account management
	apiRouter.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts", handler.GetAccountsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id}", handler.GetAccountHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id}", handler.DeleteAccountHandler).Methods("DELETE")

	// Automation and sync
	apiRouter.HandleFunc("/accounts/{id}/automation", handler.EnableAutomationHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{id}/automation", handler.DisableAutomationHandler).Methods("DELETE")
	apiRouter.HandleFunc("/accounts/{id}/sync-now", handler.SyncNowHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{id}/handoffs", handler.ListHandoffsHandler).Methods("GET")

	// WebSocket endpoint for sync event streaming
	apiRouter.HandleFunc("/ws/events", events.HandleEvents).Methods("GET")

	return enableCORS(utils.HTTPLoggingMiddleware(logger)(router))
}

// enableCORS adds CORS headers to responses
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
