package api

import (
	"context"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/gatekit-chat/gatekit-server/internal/httputil"
)

// Pinger checks a dependency's liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db    Pinger
	redis Pinger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db, redis Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

// componentStatus is one dependency's health plus its round-trip time.
type componentStatus struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
}

// Health handles GET /health: pings PostgreSQL and Redis and reports
// process resource usage.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	overall := "healthy"
	status := fiber.StatusOK

	pg := ping(ctx, h.db)
	rd := ping(ctx, h.redis)
	if pg.Status != "ok" || rd.Status != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	data := fiber.Map{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"postgres":  pg,
		"redis":     rd,
	}

	// Process stats are best-effort decoration; the health verdict never
	// depends on them.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		stats := fiber.Map{}
		if mem, err := proc.MemoryInfo(); err == nil {
			stats["rssMb"] = mem.RSS / 1024 / 1024
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			stats["cpuPercent"] = cpu
		}
		data["process"] = stats
	}

	return httputil.SuccessStatus(c, status, data)
}

func ping(ctx context.Context, p Pinger) componentStatus {
	if p == nil {
		return componentStatus{Status: "disabled"}
	}
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return componentStatus{Status: "unavailable", LatencyMS: time.Since(start).Milliseconds()}
	}
	return componentStatus{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
}
