// Package rpc implements the JSON-RPC 2.0 endpoint every layer serves.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingmesh/config"
	"github.com/Klingon-tech/klingmesh/internal/governor"
	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/inject"
	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/p2p"
	"github.com/Klingon-tech/klingmesh/internal/router"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Server is the JSON-RPC 2.0 HTTP server of one layer.
type Server struct {
	addr       string
	layer      topology.Name
	credential string
	topo       *topology.Topology
	started    time.Time
	now        func() time.Time

	router    *router.Router         // For mesh_route (nil = disabled).
	monitor   *heartbeat.Monitor     // For mesh_getStatus neighbor health.
	sync      *identity.Synchronizer // For identity methods (nil = disabled).
	injector  *inject.Injector       // Last injection report (guardian only).
	governor  *governor.Governor
	agent     Agent
	respawns  RespawnHandler
	relay     *p2p.Node // Gossip relay summary in mesh_getStatus (nil = off).

	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
}

// New creates a new RPC server for layer. Requests must carry the layer's
// own credential as a bearer token. A zero-value RPCConfig allows all IPs
// and does not mount /metrics.
func New(addr string, topo *topology.Topology, layer topology.Name, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:     addr,
		layer:    layer,
		topo:     topo,
		started:  time.Now(),
		now:      time.Now,
		agent:    NewInbox(),
		respawns: NewRespawnLog(config.DefaultHeartbeatThreshold),
		logger:   klog.RPC,
	}
	if n, ok := topo.Node(layer); ok {
		s.credential = n.Credential
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)

	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		if rpcCfg[0].Metrics {
			mux.Handle("/metrics", s.filterIP(metrics.Handler()))
		}
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// SetRouter enables mesh_route.
func (s *Server) SetRouter(r *router.Router) { s.router = r }

// SetMonitor enables neighbor health in mesh_getStatus.
func (s *Server) SetMonitor(m *heartbeat.Monitor) { s.monitor = m }

// SetSynchronizer enables the identity methods.
func (s *Server) SetSynchronizer(sync *identity.Synchronizer) { s.sync = sync }

// SetInjector exposes the last injection report.
func (s *Server) SetInjector(in *inject.Injector) { s.injector = in }

// SetGovernor exposes memory pressure.
func (s *Server) SetGovernor(g *governor.Governor) { s.governor = g }

// SetAgent replaces the default in-process Inbox.
func (s *Server) SetAgent(a Agent) { s.agent = a }

// SetRespawnHandler replaces the default RespawnLog.
func (s *Server) SetRespawnHandler(h RespawnHandler) { s.respawns = h }

// SetRelay reports the gossip relay's peers in mesh_getStatus.
func (s *Server) SetRelay(n *p2p.Node) { s.relay = n }

// Agent returns the hosted agent.
func (s *Server) Agent() Agent { return s.agent }

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("layer", string(s.layer)).Msg("RPC server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// filterIP rejects callers outside the allowed networks.
func (s *Server) filterIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipAllowed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ipAllowed(r *http.Request) bool {
	if len(s.allowedNets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// authorized checks the bearer token against the layer credential.
func (s *Server) authorized(r *http.Request) bool {
	if s.credential == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.credential)) == 1
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.ipAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusOK, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusOK, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusOK, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusOK, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, http.StatusOK, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	if !s.authorized(r) {
		metrics.ObserveRPC(req.Method, http.StatusUnauthorized)
		s.logger.Warn().Str("method", req.Method).Str("remote", r.RemoteAddr).Msg("Rejected request with bad credential")
		writeError(w, http.StatusUnauthorized, req.ID, CodeUnauthorized, "unauthorized")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	metrics.ObserveRPC(req.Method, http.StatusOK)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	switch req.Method {
	case "health":
		return s.handleHealth(req)
	case "agent":
		return s.handleAgent(req)
	case "agent.injectContext":
		return s.handleInjectContext(req)
	case "consciousness.respawnLayer":
		return s.handleRespawnLayer(ctx, req)
	case "mesh_getStatus":
		return s.handleGetStatus(req)
	case "mesh_getTopology":
		return s.handleGetTopology(req)
	case "mesh_identitySync":
		return s.handleIdentitySync(req)
	case "mesh_computeIdentity":
		return s.handleComputeIdentity(req)
	case "mesh_route":
		return s.handleRoute(ctx, req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, status int, id any, code int, message string) {
	writeJSON(w, status, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target any) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
