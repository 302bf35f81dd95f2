package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"avs/internal/httpkit"
)

const checkTimeout = 5 * time.Second

// Health reports liveness. With ?deep=true it also probes every configured
// dependency and answers 503 when one of them fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "avs-api",
	}

	status := http.StatusOK
	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks
		for name, c := range checks {
			if c["status"] != "ok" {
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				log.Warn("health check failed", "dependency", name, "error", c["error"])
			}
		}
	}

	httpkit.WriteJSON(w, status, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := make(map[string]Check, len(h.checks)+1)
	for name, c := range h.checks {
		checks[name] = c
	}
	if h.sp != nil {
		checks["storage"] = h.sp.Ping
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]map[string]any, len(checks))
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runCheck(ctx, checks[name])
			mu.Lock()
			out[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func runCheck(ctx context.Context, c Check) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := c(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

// Providers lists the configured providers with their availability.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		httpkit.WriteJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"providers": h.providers.Describe(r.Context())})
}
