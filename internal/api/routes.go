package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Routes returns the /v1 router
func (h *Handler) Routes() http.Handler {
	router := mux.NewRouter()

	// Device endpoints
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/position", h.ReportPosition).Methods("POST")
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/session", h.StartSession).Methods("POST")
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/session", h.GetSession).Methods("GET")
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/session", h.CloseSession).Methods("DELETE")
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/session/end", h.EndSession).Methods("POST")

	// Alerts
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/alerts", h.TruckAlerts).Methods("GET")
	router.HandleFunc("/v1/alerts", h.ListAlerts).Methods("GET")
	router.HandleFunc("/v1/alerts/{alertID}", h.DismissAlert).Methods("DELETE")

	// Dispatcher view
	router.HandleFunc("/v1/fleet", h.Fleet).Methods("GET")
	router.HandleFunc("/v1/trucks/{truckID:[0-9]+}/path.kml", h.PathKML).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	return cors(router)
}
