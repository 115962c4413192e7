package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rocketspeed-io/towercore/internal/controltower"
	"github.com/rocketspeed-io/towercore/internal/logstore/pebblelog"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
	logpkg "github.com/rocketspeed-io/towercore/pkg/log"
)

// Server is the Control Tower's HTTP control plane: publish, per-topic
// SSE subscribe, and introspection/cache-management endpoints.
type Server struct {
	tower    *controltower.ControlTower
	store    *pebblelog.Log
	registry *subscriberRegistry
	logger   logpkg.Logger

	srv *http.Server
	lis net.Listener
}

// New wires the handlers. registry must be the same subscriberRegistry
// passed as the sink to controltower.New, so deliveries reach the
// connections Subscribe registers.
func New(tower *controltower.ControlTower, store *pebblelog.Log, registry *subscriberRegistry, logger logpkg.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{tower: tower, store: store, registry: registry, logger: logger}
	s.srv = &http.Server{Handler: cors(mux)}

	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/subscribe", s.handleSubscribeSSE)
	mux.HandleFunc("/v1/logs/info", s.handleLogInfo)
	mux.HandleFunc("/v1/logs/all", s.handleAllLogsInfo)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/v1/cache/resize", s.handleCacheResize)
	return s
}

// NewRegistry constructs the subscriberRegistry New's caller passes
// both into controltower.New (as the sink) and into this package's New.
func NewRegistry() *subscriberRegistry { return newSubscriberRegistry() }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type publishReq struct {
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
}

type publishResp struct {
	LogID uint64 `json:"logId"`
	Seqno uint64 `json:"seqno"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	topic := topicuuid.New(req.Namespace, req.Topic)
	logID := s.tower.Router().LogID(topic)
	seqno, err := s.store.Append(r.Context(), logID, topic, req.Payload)
	if err != nil {
		s.logger.Warn("publish failed", logpkg.Err(err), logpkg.F("topic", topic.String()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(publishResp{LogID: uint64(logID), Seqno: uint64(seqno)})
}

// handleSubscribeSSE registers a fresh CopilotSub with the tower and
// streams every event it receives as an SSE frame until the client
// disconnects, grounded on controllers/sse.go's Send/Context/Flush sink
// shape but serving it off the shared subscriberRegistry instead of a
// sink value scoped to one request.
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ns := r.URL.Query().Get("namespace")
	topicName := r.URL.Query().Get("topic")
	if ns == "" || topicName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	start := topicuuid.SequenceNumber(0)
	if v := r.URL.Query().Get("start"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		start = topicuuid.SequenceNumber(n)
	}
	filterExpr := r.URL.Query().Get("filter")

	topic := topicuuid.New(ns, topicName)
	id, ch := s.registry.allocate()
	defer s.registry.release(id)

	if err := s.tower.AddSubscriber(r.Context(), topic, start, id, filterExpr); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer func() { _ = s.tower.RemoveSubscriber(context.Background(), id) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", b)
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleLogInfo(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("log_id")
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, err := s.tower.GetLogInfo(r.Context(), topicuuid.LogID(n))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte(info))
}

func (s *Server) handleAllLogsInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.tower.GetAllLogsInfo(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte(info))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tower.Stats(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.tower.ClearCache(r.Context()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheResizeReq struct {
	BytesPerRoom int64 `json:"bytesPerRoom"`
}

func (s *Server) handleCacheResize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cacheResizeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.tower.SetCacheCapacity(r.Context(), req.BytesPerRoom); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
