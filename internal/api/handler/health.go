package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// HealthHandler exposes Kubernetes-style liveness and readiness endpoints.
// Both backends are optional: the in-memory ledger mode runs without Mongo,
// and the locker degrades without Redis.
type HealthHandler struct {
	mongo *mongo.Client
	redis redis.Cmdable
}

func NewHealthHandler(mongoClient *mongo.Client, redisClient redis.Cmdable) *HealthHandler {
	return &HealthHandler{mongo: mongoClient, redis: redisClient}
}

// Live always reports OK – if the process is up, it's live.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready checks dependencies like Mongo and Redis.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()

	if h.mongo != nil {
		if err := h.mongo.Ping(ctx, readpref.Primary()); err != nil {
			RespondError(w, r, http.StatusServiceUnavailable, "dependency-unavailable", "mongodb unavailable")
			return
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			RespondError(w, r, http.StatusServiceUnavailable, "dependency-unavailable", "redis unavailable")
			return
		}
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
