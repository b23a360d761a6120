// Package api serves the read-only diagnostics HTTP API and Prometheus
// metrics for the route engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/fibrx/pkg/nexthop"
	"github.com/psaab/fibrx/pkg/route"
	"github.com/psaab/fibrx/pkg/vrf"
)

// Config configures the API server.
type Config struct {
	Addr   string
	Engine *route.Engine
	Log    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	engine     *route.Engine
	log        *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		engine:    cfg.Engine,
		log:       cfg.Log,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/routes", s.routesHandler)
	mux.HandleFunc("GET /api/v1/routes/lookup", s.lookupHandler)
	mux.HandleFunc("GET /api/v1/routes/summary", s.summaryHandler)
	mux.HandleFunc("GET /api/v1/nexthops", s.nexthopsHandler)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the server's mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("api server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server", "err", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryUint(r *http.Request, key string, def uint32) (uint32, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	vrfID, ok := queryUint(r, "vrf", vrf.DefaultID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad vrf")
		return
	}
	tableID, ok := queryUint(r, "table", route.TableMain)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad table")
		return
	}

	var (
		routes []route.RouteInfo
		more   bool
		err    error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		pfx, perr := netip.ParsePrefix(after)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "bad after prefix")
			return
		}
		limit := 1000
		if n, ok := queryUint(r, "limit", 1000); ok {
			limit = int(n)
		}
		routes, more, err = s.engine.DumpTableFrom(vrfID, tableID, pfx, limit)
	} else {
		routes, err = s.engine.DumpTable(vrfID, tableID)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vrf":    vrfID,
		"table":  tableID,
		"routes": routes,
		"more":   more,
	})
}

func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(r.URL.Query().Get("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad addr")
		return
	}
	vrfID, ok := queryUint(r, "vrf", vrf.DefaultID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad vrf")
		return
	}
	tableID, ok := queryUint(r, "table", route.TableMain)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad table")
		return
	}
	hash, _ := queryUint(r, "hash", 0)

	res, found := s.engine.Lookup(vrfID, tableID, addr, hash)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"match": false})
		return
	}
	nh := res.NextHop
	out := map[string]any{
		"match":   true,
		"nhindex": res.Index,
		"flags":   route.DescribeFlags(nh.Flags),
	}
	if nh.Gateway.IsValid() {
		out["gateway"] = nh.Gateway.String()
	}
	if nh.Ifp != nil {
		out["interface"] = nh.Ifp.Name
		out["ifindex"] = nh.Ifp.Index
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	vrfID, ok := queryUint(r, "vrf", vrf.DefaultID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad vrf")
		return
	}
	tableID, ok := queryUint(r, "table", route.TableMain)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad table")
		return
	}
	sum, err := s.engine.TableSummary(vrfID, tableID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type nexthopInfo struct {
	Index   uint32              `json:"index"`
	Refs    int64               `json:"refs"`
	Proto   uint8               `json:"proto"`
	HWState string              `json:"hw_state"`
	Members []route.NextHopInfo `json:"members"`
}

func (s *Server) nexthopsHandler(w http.ResponseWriter, _ *http.Request) {
	store := s.engine.Store()
	out := make([]nexthopInfo, 0, store.InUse())
	store.Walk(func(g *nexthop.Group) bool {
		info := nexthopInfo{
			Index:   g.Index(),
			Refs:    g.Refs(),
			Proto:   uint8(g.Proto),
			HWState: g.PDState.String(),
		}
		for i := range g.Members {
			m := &g.Members[i]
			mi := route.NextHopInfo{
				Flags:  route.DescribeFlags(m.Flags),
				Labels: m.Labels,
			}
			if m.Gateway.IsValid() {
				mi.Gateway = m.Gateway.String()
			}
			if m.Ifp != nil {
				mi.Interface = m.Ifp.Name
				mi.IfIndex = m.Ifp.Index
			}
			info.Members = append(info.Members, mi)
		}
		out = append(out, info)
		return true
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity":   store.Capacity(),
		"in_use":     store.InUse(),
		"dedup_keys": store.DedupKeys(),
		"groups":     out,
	})
}
