package verifytrigger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var triggerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gerrit_verify",
	Subsystem: "trigger",
	Name:      "requests_total",
	Help:      "Verify trigger requests, by result.",
}, []string{"result"})

// Authenticator checks caller credentials against Gerrit.
type Authenticator interface {
	Self(ctx context.Context, username, password string) (*gerrit.AccountInfo, error)
}

type Handler struct {
	Gateway *Gateway
	Auth    Authenticator
}

// NewRouter serves the trigger endpoint next to metrics and health checks.
// A nil h leaves the trigger endpoint out.
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	if h != nil {
		router.HandleFunc("/changes/{change}/verifytrigger", h.ServeTrigger).Methods(http.MethodGet)
	}
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return router
}

// caller returns the Gerrit account of the request's basic credentials, or
// nil when there are none or Gerrit rejects them.
func (h *Handler) caller(r *http.Request) (*gerrit.AccountInfo, error) {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		return nil, nil
	}
	account, err := h.Auth.Self(r.Context(), username, password)
	if errors.Is(err, gerrit.ErrUnauthorized) {
		log.Debug().Str("username", username).Msg("Gerrit rejected caller credentials")
		return nil, nil
	}
	return account, err
}

func (h *Handler) ServeTrigger(w http.ResponseWriter, r *http.Request) {
	change := mux.Vars(r)["change"]
	log.Debug().Str("change", change).Str("method", r.Method).Msg("Handling verify trigger request")

	caller, err := h.caller(r)
	if err != nil {
		log.Error().Err(err).Str("change", change).Msg("Failed to authenticate caller")
		http.Error(w, "Failed to authenticate", http.StatusInternalServerError)
		return
	}

	err = h.Gateway.Apply(r.Context(), Request{Caller: caller, Change: change})
	var authErr *AuthError
	var notFound *NotFoundError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.As(err, &authErr):
		http.Error(w, authErr.Message, http.StatusForbidden)
	case errors.As(err, &notFound):
		http.Error(w, notFound.Message, http.StatusNotFound)
	default:
		log.Error().Err(err).Str("change", change).Msg("Verify trigger failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
