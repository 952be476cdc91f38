// Package gateway is the operator-facing HTTP surface of the controller:
// health and metrics endpoints, REST control routes bound to the control
// API, and a WebSocket stream of bus events. Embedders that want a pure Go
// surface can skip it entirely and use the control package directly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/orbital/constel/internal/audit"
	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/constellation"
	"github.com/orbital/constel/internal/control"
	"github.com/orbital/constel/internal/journal"
	otelPkg "github.com/orbital/constel/internal/otel"
	"github.com/orbital/constel/internal/registry"
)

// Config wires the gateway.
type Config struct {
	API *control.API
	Bus *bus.Bus
	// Journal, when non-nil, exposes the event/outcome history endpoints.
	Journal *journal.Journal
	Logger  *slog.Logger
	// Tracer spans inbound control requests; nil means no-op.
	Tracer trace.Tracer

	// AuthToken guards every endpoint except /healthz when non-empty.
	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

// Server serves the operator surface.
type Server struct {
	cfg Config

	clientsMu sync.Mutex
	clients   int
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Server{cfg: cfg}
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("POST /api/devices", s.handleRegisterDevice)
	mux.HandleFunc("POST /api/devices/{id}/connect", s.handleConnectDevice)
	mux.HandleFunc("POST /api/devices/{id}/disconnect", s.handleDisconnectDevice)
	mux.HandleFunc("POST /api/constellations", s.handleSubmitConstellation)
	mux.HandleFunc("GET /api/constellations/{id}", s.handleConstellationStatus)
	mux.HandleFunc("POST /api/constellations/{id}/cancel", s.handleCancelConstellation)
	mux.HandleFunc("GET /api/journal/events", s.handleJournalEvents)
	mux.HandleFunc("GET /api/journal/outcomes/{id}", s.handleJournalOutcomes)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") && strings.TrimPrefix(header, "Bearer ") == s.cfg.AuthToken {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	devices := s.cfg.API.ListDevices(registry.Filter{})
	connected := s.cfg.API.ListDevices(registry.Filter{ConnectedOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":           true,
		"devices":           len(devices),
		"devices_connected": len(connected),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	byStatus := map[string]int{}
	for _, p := range s.cfg.API.ListDevices(registry.Filter{}) {
		byStatus[string(p.Status)]++
	}

	s.clientsMu.Lock()
	wsClients := s.clients
	s.clientsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"devices_by_status":  byStatus,
		"bus_dropped_events": s.cfg.Bus.DroppedEventCount(),
		"bus_subscribers":    s.cfg.Bus.SubscriberCount(),
		"ws_clients":         wsClients,
		"audit_records":      audit.Count(),
		"alloc_bytes":        mem.Alloc,
	})
}

// handleWS streams bus events to the operator as JSON frames. The optional
// "prefix" query parameter narrows the topics.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	s.clientsMu.Lock()
	s.clients++
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		s.clients--
		s.clientsMu.Unlock()
	}()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("prefix"))
	defer s.cfg.Bus.Unsubscribe(sub)
	s.cfg.Logger.Info("operator event stream connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := map[string]any{
				"topic":     ev.Topic,
				"payload":   ev.Payload,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.cfg.Logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f := registry.Filter{
		ConnectedOnly: r.URL.Query().Get("connected") == "true",
	}
	if caps := r.URL.Query().Get("capabilities"); caps != "" {
		f.HasCapabilities = strings.Split(caps, ",")
	}
	writeJSON(w, http.StatusOK, deviceViews(s.cfg.API.ListDevices(f)))
}

type deviceView struct {
	DeviceID           string         `json:"device_id"`
	ServerURL          string         `json:"server_url"`
	OS                 string         `json:"os"`
	Capabilities       []string       `json:"capabilities"`
	Status             string         `json:"status"`
	LastHeartbeat      *time.Time     `json:"last_heartbeat,omitempty"`
	ConnectionAttempts int            `json:"connection_attempts"`
	CurrentTaskID      string         `json:"current_task_id,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

func deviceViews(profiles []registry.AgentProfile) []deviceView {
	out := make([]deviceView, 0, len(profiles))
	for _, p := range profiles {
		v := deviceView{
			DeviceID:           p.DeviceID,
			ServerURL:          p.ServerURL,
			OS:                 p.OS,
			Capabilities:       p.Capabilities,
			Status:             string(p.Status),
			ConnectionAttempts: p.ConnectionAttempts,
			CurrentTaskID:      p.CurrentTaskID,
			Metadata:           p.Metadata,
		}
		if !p.LastHeartbeat.IsZero() {
			hb := p.LastHeartbeat
			v.LastHeartbeat = &hb
		}
		out = append(out, v)
	}
	return out
}

type registerRequest struct {
	DeviceID     string         `json:"device_id"`
	ServerURL    string         `json:"server_url"`
	OS           string         `json:"os,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	AutoConnect  bool           `json:"auto_connect,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	deviceID, err := s.cfg.API.RegisterDevice(control.DeviceConfig{
		DeviceID:     req.DeviceID,
		ServerURL:    req.ServerURL,
		OS:           req.OS,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		MaxRetries:   req.MaxRetries,
		AutoConnect:  req.AutoConnect,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			status = http.StatusConflict
		}
		audit.Record("device.register", req.DeviceID, "error", err.Error())
		writeError(w, status, err)
		return
	}
	audit.Record("device.register", deviceID, "ok", req.ServerURL)
	writeJSON(w, http.StatusCreated, map[string]string{"device_id": deviceID})
}

func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID := r.PathValue("id")
	if err := s.cfg.API.ConnectDevice(deviceID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": deviceID})
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID := r.PathValue("id")
	if err := s.cfg.API.DisconnectDevice(deviceID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	audit.Record("device.disconnect", deviceID, "ok", "")
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID})
}

type submitRequest struct {
	ConstellationID string        `json:"constellation_id,omitempty"`
	Name            string        `json:"name"`
	Tasks           []taskRequest `json:"tasks"`
	Edges           []edgeRequest `json:"edges,omitempty"`
}

type taskRequest struct {
	TaskID               string          `json:"task_id"`
	Name                 string          `json:"name,omitempty"`
	Description          string          `json:"description,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Priority             string          `json:"priority,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Timeout              string          `json:"timeout,omitempty"`
	MaxAttempts          int             `json:"max_attempts,omitempty"`
}

type edgeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind,omitempty"`
}

var priorities = map[string]constellation.Priority{
	"LOW":      constellation.PriorityLow,
	"MEDIUM":   constellation.PriorityMedium,
	"HIGH":     constellation.PriorityHigh,
	"CRITICAL": constellation.PriorityCritical,
}

func (req submitRequest) toConstellation() (*constellation.TaskConstellation, error) {
	tasks := make(map[string]*constellation.TaskStar, len(req.Tasks))
	for i, t := range req.Tasks {
		priority := constellation.PriorityMedium
		if t.Priority != "" {
			p, ok := priorities[strings.ToUpper(t.Priority)]
			if !ok {
				return nil, fmt.Errorf("task %q: unknown priority %q", t.TaskID, t.Priority)
			}
			priority = p
		}
		star := &constellation.TaskStar{
			TaskID:               t.TaskID,
			Name:                 t.Name,
			Description:          t.Description,
			RequiredCapabilities: t.RequiredCapabilities,
			Priority:             priority,
			Payload:              t.Payload,
			MaxAttempts:          t.MaxAttempts,
			SubmitIndex:          i,
		}
		if star.MaxAttempts <= 0 {
			star.MaxAttempts = 1
		}
		if t.Timeout != "" {
			d, err := time.ParseDuration(t.Timeout)
			if err != nil {
				return nil, fmt.Errorf("task %q: bad timeout: %w", t.TaskID, err)
			}
			star.Timeout = d
		}
		tasks[t.TaskID] = star
	}

	edges := make([]constellation.TaskStarLine, 0, len(req.Edges))
	for _, e := range req.Edges {
		kind := constellation.EdgeKind(strings.ToUpper(e.Kind))
		if e.Kind == "" {
			kind = constellation.EdgeSuccessOnly
		}
		switch kind {
		case constellation.EdgeUnconditional, constellation.EdgeSuccessOnly, constellation.EdgeCompletionOnly:
		case constellation.EdgeConditional:
			// Predicates are Go functions; they cannot cross the REST
			// boundary.
			return nil, fmt.Errorf("edge %s->%s: conditional edges are API-only", e.From, e.To)
		default:
			return nil, fmt.Errorf("edge %s->%s: unknown kind %q", e.From, e.To, e.Kind)
		}
		edges = append(edges, constellation.TaskStarLine{FromTaskID: e.From, ToTaskID: e.To, Kind: kind})
	}

	return &constellation.TaskConstellation{
		ConstellationID: req.ConstellationID,
		Name:            req.Name,
		Tasks:           tasks,
		Edges:           edges,
		State:           constellation.StateCreated,
	}, nil
}

func (s *Server) handleSubmitConstellation(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	_, span := otelPkg.StartServerSpan(r.Context(), s.cfg.Tracer, "gateway.constellation.submit")
	defer span.End()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	c, err := req.toConstellation()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.cfg.API.SubmitConstellation(c)
	if err != nil {
		span.RecordError(err)
		audit.Record("constellation.submit", req.Name, "error", err.Error())
		writeError(w, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(otelPkg.AttrConstellationID.String(id))
	audit.Record("constellation.submit", id, "ok", fmt.Sprintf("tasks=%d", len(req.Tasks)))
	writeJSON(w, http.StatusCreated, map[string]string{"constellation_id": id})
}

type constellationView struct {
	ConstellationID string     `json:"constellation_id"`
	Name            string     `json:"name"`
	State           string     `json:"state"`
	Tasks           []taskView `json:"tasks"`
}

type taskView struct {
	TaskID           string          `json:"task_id"`
	Status           string          `json:"status"`
	AssignedDeviceID string          `json:"assigned_device_id,omitempty"`
	Attempts         int             `json:"attempts"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
}

func (s *Server) handleConstellationStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	snap, err := s.cfg.API.GetConstellationStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	view := constellationView{
		ConstellationID: snap.ConstellationID,
		Name:            snap.Name,
		State:           string(snap.State),
	}
	for _, task := range snap.Tasks {
		tv := taskView{
			TaskID:           task.TaskID,
			Status:           string(task.Status),
			AssignedDeviceID: task.AssignedDeviceID,
			Attempts:         task.Attempts,
			Result:           task.Result,
		}
		if task.Error != nil {
			tv.Error = task.Error.Message
		}
		view.Tasks = append(view.Tasks, tv)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelConstellation(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.API.CancelConstellation(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	audit.Record("constellation.cancel", id, "ok", "")
	writeJSON(w, http.StatusOK, map[string]string{"constellation_id": id})
}

func (s *Server) handleJournalEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	events, err := s.cfg.Journal.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleJournalOutcomes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	outcomes, err := s.cfg.Journal.Outcomes(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func statusFor(err error) int {
	if errors.Is(err, registry.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// Serve runs the gateway until ctx is cancelled.
func Serve(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
