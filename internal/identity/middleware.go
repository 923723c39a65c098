package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/pkg/api"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	deviceKey    contextKey = "device"
	requestIDKey contextKey = "request_id"
)

// cacheTTL bounds how stale a cached device record (including its blocked
// flag) may be.
const cacheTTL = 5 * time.Minute

// DeviceCache is the subset of redis used by the middleware. A nil cache
// disables the lookaside path.
type DeviceCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// NewMiddleware authenticates the device bearer credential, caching the
// resolved device in Redis so hot devices skip the Postgres lookup.
func NewMiddleware(service *Service, cache DeviceCache) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := "device:" + hashToken(token)

			if cache != nil {
				var device Device
				err := cache.Get(ctx, redisKey).Scan(&device)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithDevice(ctx, &device)))
					return
				} else if err != redis.Nil {
					log.Printf("identity: redis error: %v", err)
				}
			}

			device, err := service.Authenticate(ctx, token)
			if err != nil {
				if errors.Is(err, ErrDeviceNotFound) {
					writeUnauthorized(w, "invalid device credential")
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				_ = cache.Set(ctx, redisKey, device, cacheTTL).Err()
			}

			next.ServeHTTP(w, r.WithContext(WithDevice(ctx, device)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(api.ErrorBody{Error: api.ErrorDetail{
		Code:    "unauthorized",
		Message: msg,
	}})
}

// Context helpers

func WithDevice(ctx context.Context, device *Device) context.Context {
	return context.WithValue(ctx, deviceKey, device)
}

func GetDevice(ctx context.Context) *Device {
	if d, ok := ctx.Value(deviceKey).(*Device); ok {
		return d
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
