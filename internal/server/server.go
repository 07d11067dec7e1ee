// Package server exposes the three external triggers over HTTP: the
// Notion webhook, the poller, and the dispatcher. Handlers stay thin;
// all behavior lives in the services.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/services/dispatch"
	"github.com/timebridge/timebridge/internal/services/poller"
	"github.com/timebridge/timebridge/internal/services/webhook"
)

// signatureHeader carries the webhook HMAC.
const signatureHeader = "x-notion-signature"

// maxWebhookBody bounds webhook request bodies.
const maxWebhookBody = 1 << 20

// Server wires the services to HTTP routes.
type Server struct {
	webhook    *webhook.Service
	poller     *poller.Service
	dispatcher *dispatch.Service
	logger     *events.Logger
	httpServer *http.Server
}

// New creates the HTTP server.
func New(cfg *config.ServerConfig, wh *webhook.Service, pl *poller.Service, dp *dispatch.Service, logger *events.Logger) *Server {
	s := &Server{
		webhook:    wh,
		poller:     pl,
		dispatcher: dp,
		logger:     logger.WithField("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/notion", s.handleWebhook)
	mux.HandleFunc("POST /poller/run", s.handlePoll)
	mux.HandleFunc("POST /worker/run", s.handleWork)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving HTTP.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	// The signature covers the exact raw bytes; read them verbatim.
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "read body"})
		return
	}

	resp := s.webhook.Process(r.Context(), rawBody, r.Header.Get(signatureHeader))
	log.WithField("status", resp.Code).Debug("Webhook handled")
	writeJSON(w, resp.Code, resp.Body)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	sum, err := s.poller.Run(r.Context())
	if err != nil {
		log.WithError(err).Error("Poll run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"usersScanned":   sum.UsersScanned,
		"usersProcessed": sum.UsersProcessed,
		"jobsEnqueued":   sum.JobsEnqueued,
		"polledAt":       sum.PolledAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	res, err := s.dispatcher.RunOne(r.Context())
	if err != nil {
		log.WithError(err).Error("Dispatch run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}

	switch {
	case res.Err != nil && res.DeadLettered:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":           false,
			"error":        res.Err.Error(),
			"deadLettered": true,
		})
	case res.Err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":             false,
			"error":          res.Err.Error(),
			"nextRetryInSec": res.RetryInSec,
		})
	case res.Processed == 0:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":        true,
			"processed": 0,
			"note":      res.Note,
		})
	default:
		body := map[string]interface{}{
			"ok":        true,
			"processed": res.Processed,
			"kind":      string(res.Kind),
		}
		if res.Note != "" {
			body["note"] = res.Note
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) requestLogger(r *http.Request) *events.Logger {
	return s.logger.WithFields(map[string]interface{}{
		"request_id": uuid.NewString(),
		"path":       r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
