// Package api implements the control plane's HTTP surface: the REST
// endpoints node sandboxes and operators use to create, inspect and tear
// down nodes and pods, plus the supplemental health/events/metrics
// endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/controlplane"
	"github.com/kube9/kube9/pkg/heartbeat"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/metrics"
	"github.com/kube9/kube9/pkg/security"
	"github.com/kube9/kube9/pkg/types"
)

// Server is the HTTP control-plane API.
type Server struct {
	cp        *controlplane.ControlPlane
	heartbeat *heartbeat.Tracker
	mux       *http.ServeMux
}

// NewServer wires up the full route table.
func NewServer(cp *controlplane.ControlPlane, tracker *heartbeat.Tracker) *Server {
	s := &Server{cp: cp, heartbeat: tracker, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /nodes", s.createNode)
	s.mux.HandleFunc("GET /nodes", s.listNodes)
	s.mux.HandleFunc("GET /nodes/health", s.nodesHealth)
	s.mux.HandleFunc("GET /nodes/{id}", s.getNode)
	s.mux.HandleFunc("DELETE /nodes/{id}", s.deleteNode)
	s.mux.HandleFunc("PATCH /nodes/{id}/health", s.updateNodeHealth)
	s.mux.HandleFunc("POST /nodes/{id}/heartbeat", s.heartbeatHandler)
	s.mux.HandleFunc("POST /nodes/{id}/simulate/failure", s.simulateFailure)
	s.mux.HandleFunc("POST /nodes/{id}/deregister", s.deregisterNode)
	s.mux.HandleFunc("POST /nodes/{id}/force_cleanup", s.forceCleanup)

	s.mux.HandleFunc("POST /pods", s.createPod)
	s.mux.HandleFunc("GET /pods", s.listPods)
	s.mux.HandleFunc("GET /pods/{id}", s.getPod)
	s.mux.HandleFunc("DELETE /pods/{id}", s.deletePod)
	s.mux.HandleFunc("GET /pods/{id}/health", s.podHealth)

	s.mux.HandleFunc("GET /events", s.streamEvents)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.healthz)

	return s
}

// Start runs the HTTP server on addr and blocks until ListenAndServe
// returns, handing back its error; callers typically run this in a
// goroutine. The *http.Server is not exposed, so there is no graceful
// Shutdown path.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.withMetrics(s.mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Logger.Info().Str("addr", addr).Msg("api server listening")
	return server.ListenAndServe()
}

// withMetrics records request counts and latency per spec §9's ambient
// observability requirement.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates a closed apierr kind into the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierr.KindOf(err) {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "sandbox":
		status = http.StatusBadGateway
	case "no_fit":
		status = http.StatusConflict
	case "store":
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now()})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.cp.Broker == nil {
		http.Error(w, "event broker not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.cp.Broker.Subscribe()
	defer s.cp.Broker.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// --- Node endpoints ---

type createNodeRequest struct {
	Name     string         `json:"name"`
	CPUCores int            `json:"cpu_cores"`
	Kind     types.NodeKind `json:"kind"`
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}

	node, err := s.cp.CreateNode(r.Context(), controlplane.CreateNodeInput{
		Name:     req.Name,
		CPUCores: req.CPUCores,
		Kind:     req.Kind,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.cp.Store.ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.cp.Store.GetNode(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.cp.DeleteNode(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) nodesHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.cp.NodesHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type updateNodeHealthRequest struct {
	Health types.NodeHealth `json:"health"`
}

func (s *Server) updateNodeHealth(w http.ResponseWriter, r *http.Request) {
	var req updateNodeHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	node, err := s.cp.UpdateNodeHealth(r.Context(), r.PathValue("id"), req.Health)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type heartbeatRequest struct {
	PodIDs        []string         `json:"pod_ids"`
	CPUCoresAvail int              `json:"cpu_cores_avail"`
	HealthStatus  types.NodeHealth `json:"health_status"`
	Components    types.Components `json:"components"`
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}

	result, err := s.heartbeat.Ingest(r.PathValue("id"), heartbeat.Payload{
		PodIDs:        req.PodIDs,
		CPUCoresAvail: req.CPUCoresAvail,
		HealthStatus:  req.HealthStatus,
		Components:    req.Components,
	})
	if err != nil {
		if result.ShouldStopHeartbeat {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error(), "should_stop_heartbeat": true})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) simulateFailure(w http.ResponseWriter, r *http.Request) {
	if err := s.cp.SimulateFailure(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deregisterNode(w http.ResponseWriter, r *http.Request) {
	if err := s.cp.Deregister(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) forceCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.cp.ForceCleanup(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Pod endpoints ---

type createPodRequest struct {
	Name        string                         `json:"name"`
	CPUCoresReq int                            `json:"cpu_cores_req"`
	Containers  []controlplane.ContainerInput  `json:"containers"`
	Volumes     []controlplane.VolumeInput     `json:"volumes"`
	ConfigItems []controlplane.ConfigItemInput `json:"config_items"`
}

func (s *Server) createPod(w http.ResponseWriter, r *http.Request) {
	var req createPodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}

	pod, err := s.cp.CreatePod(r.Context(), controlplane.CreatePodInput{
		Name:        req.Name,
		CPUCoresReq: req.CPUCoresReq,
		Containers:  req.Containers,
		Volumes:     req.Volumes,
		ConfigItems: req.ConfigItems,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

func (s *Server) listPods(w http.ResponseWriter, r *http.Request) {
	pods, err := s.cp.Store.ListPods()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]*podDetail, 0, len(pods))
	for _, p := range pods {
		views = append(views, s.podDetailView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getPod(w http.ResponseWriter, r *http.Request) {
	pod, err := s.cp.Store.GetPod(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.podDetailView(pod))
}

// podDetail is the pod response shape: the pod plus its owned containers,
// volumes and config items inlined, secret values masked per spec §7
// (grounded in original_source's pod list/detail masking behavior).
type podDetail struct {
	*types.Pod
	Containers  []*types.Container `json:"containers"`
	Volumes     []*types.Volume    `json:"volumes"`
	ConfigItems []configItemView   `json:"config_items"`
}

type configItemView struct {
	ID    string               `json:"id"`
	Name  string               `json:"name"`
	Kind  types.ConfigItemKind `json:"kind"`
	Key   string               `json:"key"`
	Value string               `json:"value"`
}

func (s *Server) podDetailView(pod *types.Pod) *podDetail {
	containers, _ := s.cp.Store.ListContainersByPod(pod.ID)
	volumes, _ := s.cp.Store.ListVolumesByPod(pod.ID)
	items, _ := s.cp.Store.ListConfigItemsByPod(pod.ID)

	views := make([]configItemView, 0, len(items))
	for _, ci := range items {
		value := string(ci.Value)
		if ci.Kind == types.ConfigItemSecret {
			value = security.MaskedValue
		}
		views = append(views, configItemView{ID: ci.ID, Name: ci.Name, Kind: ci.Kind, Key: ci.Key, Value: value})
	}

	return &podDetail{Pod: pod, Containers: containers, Volumes: volumes, ConfigItems: views}
}

func (s *Server) deletePod(w http.ResponseWriter, r *http.Request) {
	if err := s.cp.DeletePod(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) podHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.cp.PodHealthCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]types.PodHealth{"health": health})
}
