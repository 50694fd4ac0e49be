package grpc

import (
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/redmage123/artemis/coreengine/logging"
)

const (
	// SupervisorService is the health service name of the supervisor itself.
	SupervisorService = "artemis.supervisor"
	// agentServicePrefix prefixes per-agent health service names.
	agentServicePrefix = "artemis.agent."
)

// AgentService returns the health service name reported for agent.
func AgentService(agent string) string {
	return agentServicePrefix + agent
}

// HealthService publishes supervisor and per-agent health through the
// grpc.health.v1 protocol. It satisfies supervisor.HealthReporter.
type HealthService struct {
	server *health.Server
	logger logging.Logger

	mu     sync.Mutex
	agents map[string]bool
}

// NewHealthService creates a service reporting the supervisor as serving.
func NewHealthService(logger logging.Logger) *HealthService {
	h := &HealthService{
		server: health.NewServer(),
		logger: logging.OrNop(logger),
		agents: make(map[string]bool),
	}
	h.server.SetServingStatus(SupervisorService, healthpb.HealthCheckResponse_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// SetAgentHealth marks agent serving or not serving.
func (h *HealthService) SetAgentHealth(agent string, healthy bool) {
	h.mu.Lock()
	prev, known := h.agents[agent]
	h.agents[agent] = healthy
	h.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(AgentService(agent), status)

	if !known || prev != healthy {
		h.logger.Info("agent_health_changed", "agent", agent, "healthy", healthy)
	}
}

// ClearAgent stops tracking agent. Checks for it report SERVICE_UNKNOWN.
func (h *HealthService) ClearAgent(agent string) {
	h.mu.Lock()
	delete(h.agents, agent)
	h.mu.Unlock()

	h.server.SetServingStatus(AgentService(agent), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	h.logger.Debug("agent_health_cleared", "agent", agent)
}

// Agents returns tracked agents and their health.
func (h *HealthService) Agents() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]bool, len(h.agents))
	for agent, healthy := range h.agents {
		out[agent] = healthy
	}
	return out
}

// UnhealthyAgents returns the sorted names of agents not serving.
func (h *HealthService) UnhealthyAgents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for agent, healthy := range h.agents {
		if !healthy {
			out = append(out, agent)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown reports every service as not serving. Call before stopping the
// server so clients drain.
func (h *HealthService) Shutdown() {
	h.server.Shutdown()
}
