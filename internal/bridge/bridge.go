// Package bridge exposes TrafficStore queries as JSON over HTTP and the
// EventBus as a websocket stream, the concrete "outer shell" query API
// spec.md §6 leaves to whatever IPC/RPC layer wraps captap.
//
// Routing follows the teacher's internal/web.Service
// (RegisterRoutes/gorilla mux + a broadcast websocket hub), stripped of
// the teacher's authentication, static asset serving, HTML pages, and
// export formats since those are outside captap's scope.
package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/internal/store"
	"github.com/captap/captap/pkg/exchange"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Service bundles the query API and event stream over a Store/Bus pair.
type Service struct {
	cfg   config.APIConfig
	store store.Store
	bus   *eventbus.Bus
	log   logger.Logger
	hub   *websocketHub

	httpSrv *http.Server
}

// New builds a bridge Service. Call RegisterRoutes to attach it to a
// router, or Start/Stop to run its own listener.
func New(cfg config.APIConfig, st store.Store, bus *eventbus.Bus, log logger.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: st,
		bus:   bus,
		log:   log,
		hub:   newWebsocketHub(log, bus),
	}
}

// RegisterRoutes wires the query API and event stream into router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/exchanges", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/api/exchanges/{id:[0-9]+}", s.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/api/exchanges", s.handleClearAll).Methods(http.MethodDelete)
	router.HandleFunc("/api/exchanges/{id:[0-9]+}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/api/hosts", s.handleDistinct(s.store.DistinctHosts)).Methods(http.MethodGet)
	router.HandleFunc("/api/methods", s.handleDistinct(s.store.DistinctMethods)).Methods(http.MethodGet)
	router.HandleFunc("/api/content-types", s.handleDistinct(s.store.DistinctContentTypes)).Methods(http.MethodGet)
	router.HandleFunc("/api/ca.pem", s.handleRootCert).Methods(http.MethodGet)
	router.HandleFunc("/api/events", s.handleWebsocket).Methods(http.MethodGet)
}

// Start binds its own listener and router, used when the API runs on a
// separate host:port from whatever else embeds captap.
func (s *Service) Start() error {
	if !s.cfg.Enable {
		return nil
	}
	router := mux.NewRouter()
	s.RegisterRoutes(router)

	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: router}
	s.log.Info("bridge API listening", "addr", addr)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("bridge API server failed", "err", err)
		}
	}()
	return nil
}

// Stop shuts down the bridge's own listener, if it owns one, and closes
// its websocket hub.
func (s *Service) Stop() error {
	s.hub.close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), defaultQueryLimit)
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}

	pred := exchange.FilterPredicate{
		Search: q.Get("search"),
		Limit:  limit,
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if methods := q.Get("methods"); methods != "" {
		pred.Methods = strings.Split(methods, ",")
	}
	if hosts := q.Get("hosts"); hosts != "" {
		pred.Hosts = strings.Split(hosts, ",")
	}
	if contentTypes := q.Get("content_types"); contentTypes != "" {
		pred.ContentTypes = strings.Split(contentTypes, ",")
	}
	if buckets := q.Get("status"); buckets != "" {
		for _, b := range strings.Split(buckets, ",") {
			pred.StatusBuckets = append(pred.StatusBuckets, exchange.StatusBucket(b))
		}
	}
	pred.TimeFrom = int64(parseIntDefault(q.Get("time_from"), 0))
	pred.TimeTo = int64(parseIntDefault(q.Get("time_to"), 0))

	results, total, err := s.store.Query(pred)
	if err != nil {
		s.log.Error("query exchanges failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   results,
		"total":  total,
		"limit":  limit,
		"offset": pred.Offset,
	})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	ex, err := s.store.GetByID(id)
	if err == store.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("get exchange failed", "id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, ex)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.store.Delete(id); err == store.ErrNotFound {
		http.NotFound(w, r)
		return
	} else if err != nil {
		s.log.Error("delete exchange failed", "id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(); err != nil {
		s.log.Error("clear all exchanges failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDistinct(fn func() ([]string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := fn()
		if err != nil {
			s.log.Error("distinct query failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.respondJSON(w, http.StatusOK, values)
	}
}

func (s *Service) handleRootCert(w http.ResponseWriter, r *http.Request) {
	pem, ok, err := s.store.GetSetting("root_ca_pem")
	if err != nil {
		s.log.Error("read root_ca_pem setting failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(pem))
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.upgrade(w, r); err != nil {
		s.log.Error("upgrade websocket failed", "err", err)
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode JSON response failed", "err", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}
