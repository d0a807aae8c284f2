package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/auth"
	"github.com/ilnaes/docsync/internal/common"
	"github.com/ilnaes/docsync/internal/config"
	"github.com/ilnaes/docsync/internal/crdt"
	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/metrics"
	"github.com/ilnaes/docsync/internal/room"
	"github.com/ilnaes/docsync/internal/store"
)

type Server struct {
	cfg      config.Config
	verifier auth.Verifier
	secret   *auth.SecretVerifier // internal API
	rooms    *room.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, v auth.Verifier, secret *auth.SecretVerifier, rooms *room.Manager, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		verifier: v,
		secret:   secret,
		rooms:    rooms,
		metrics:  m,
		log:      logger.Component(log, "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Router wires the websocket endpoint, the internal API and the probes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws/{docid}", s.ws)
	r.HandleFunc("/ws", s.ws)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/reset-connections", s.internal(s.resetConnections)).Methods(http.MethodPost)
	api.HandleFunc("/documents/{docid}/content", s.internal(s.putContent)).Methods(http.MethodPut)
	api.HandleFunc("/documents/{docid}/stats", s.internal(s.stats)).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// documentID takes the room from the path or ?room=; both must agree.
func documentID(r *http.Request) (string, bool) {
	path, query := mux.Vars(r)["docid"], r.URL.Query().Get("room")
	switch {
	case path == "":
		return query, query != ""
	case query != "" && query != path:
		return "", false
	default:
		return path, true
	}
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	docID, ok := documentID(r)
	if !ok {
		http.Error(w, "Malformed room", http.StatusBadRequest)
		return
	}
	cred := auth.CredentialFromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	// Authenticating: nothing is created for a document until this passes
	who, err := s.verifier.Verify(r.Context(), cred, docID)
	if err != nil {
		s.reject(conn, common.CodeUnauthorized, auth.Reason(err))
		return
	}

	c := s.newClient(conn, uuid.NewString(), who)
	go c.writePump()

	// attach before reading so the Sync message is the first thing queued
	c.state.Store(int32(Attached))
	rm, err := s.rooms.Join(r.Context(), docID, c)
	if err != nil {
		c.log.Error().Err(err).Msg("could not open room")
		c.Close(common.CodeUnavailable, "document unavailable")
		c.finish()
		return
	}
	c.room = rm
	c.log.Info().Bool("can_edit", who.CanEdit).Msg("session attached")

	c.interact()
}

// reject tells a connection that never attached why, then drops it.
func (s *Server) reject(conn *websocket.Conn, code, reason string) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(common.NewError(code, reason)); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(code), reason))
}

// internal guards the service API with the shared secret.
func (s *Server) internal(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.secret.Check(r.Header.Get("Authorization")) {
			logger.Audit(s.log, logger.AuditEvent{
				Action:     "api" + strings.TrimPrefix(r.URL.Path, "/api"),
				RemoteAddr: r.RemoteAddr,
				Path:       string(auth.PathSecret),
				Outcome:    logger.OutcomeFailure,
				Err:        auth.ErrInvalidSecret,
			})
			http.Error(w, "Invalid secret", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) resetConnections(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("room")
	if docID == "" {
		http.Error(w, "Missing room", http.StatusBadRequest)
		return
	}
	n := s.rooms.ResetConnections(docID, r.Header.Get(auth.HeaderUserID))
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

// putContent seeds a document. The body is a snapshot, or plain text when
// sent as text/plain.
func (s *Server) putContent(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docid"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageBytes))
	if err != nil {
		http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
		return
	}

	snap := store.Snapshot(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		e := crdt.NewEditor(0)
		e.Replace(string(body))
		snap = crdt.EncodeSnapshot(e.Doc())
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.FlushTimeout)
	defer cancel()
	err = s.rooms.Seed(ctx, docID, snap)
	switch {
	case errors.Is(err, store.ErrCorruptSnapshot):
		http.Error(w, "Bad snapshot", http.StatusBadRequest)
	case errors.Is(err, store.ErrAlreadyInitialized):
		http.Error(w, "Document already has content", http.StatusConflict)
	case err != nil:
		s.log.Error().Err(err).Str("document_id", docID).Msg("seeding failed")
		http.Error(w, "Seeding failed", http.StatusServiceUnavailable)
	default:
		logger.Audit(s.log, logger.AuditEvent{
			Action:     "seed",
			DocumentID: docID,
			RemoteAddr: r.RemoteAddr,
			Outcome:    logger.OutcomeSuccess,
		})
		writeJSON(w, http.StatusOK, s.rooms.Stats(docID))
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.Stats(mux.Vars(r)["docid"]))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
