package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keycore/internal/authz"
	"keycore/internal/dto"
	"keycore/internal/observability/metrics"
	"keycore/internal/observability/middleware"
	"keycore/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	RateLimitPerMinute int
	CORSOrigins        string
}

func NewRouter(svc *service.Service, validator *authz.Validator, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, 1*time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Key material reads and writes require a bearer token.
	r.Group(func(pr chi.Router) {
		pr.Use(validator.Middleware)

		pr.Post("/keys/device/register", handleRegister(svc))
		pr.Get("/keys/bundle", handleBundle(svc))
		pr.Post("/keys/rotate-signed-prekey", handleRotate(svc))
	})

	r.Get("/keys/devices", handleListDevices(svc))
	r.Get("/keys/safety-number", handleSafetyNumber(svc))
	r.Post("/keys/conversation/status", handleEncryptionStatus(svc))

	return r
}

func handleRegister(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		var req dto.RegisterDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
			slog.Warn("device registration decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.RegisterDevice(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
			slog.Warn("device registration failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.DeviceRegistrationsTotal.WithLabelValues("success").Inc()
		slog.Info("device registered",
			"device_id", res.DeviceID, "user_id", res.UserID,
			"identity_version", res.IdentityVersion, "one_time_prekeys", res.OneTimePreKeys,
			"request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleBundle(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		deviceID, ok := queryUUID(w, r, "device_id")
		if !ok {
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := svc.GetPreKeyBundle(r.Context(), deviceID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrDeviceNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			slog.Warn("prekey bundle fetch failed", "error", err, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("success").Inc()
		if res.Degraded {
			metrics.OneTimePreKeyPoolEmptyTotal.Inc()
		}
		slog.Info("prekey bundle fetched",
			"device_id", res.DeviceID, "has_one_time", res.OneTimePreKey != nil, "degraded", res.Degraded,
			"request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRotate(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		var req dto.RotateSignedPreKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
			slog.Warn("rotate signed prekey decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.RotateSignedPreKey(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, service.ErrInvalidRequest):
				status = http.StatusBadRequest
			case errors.Is(err, service.ErrDeviceNotFound):
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
			slog.Warn("rotate signed prekey failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("success").Inc()
		slog.Info("rotated signed prekey",
			"device_id", res.DeviceID, "added_one_time_keys", res.AddedOneTimeKeys,
			"request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListDevices(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := queryUUID(w, r, "user_id")
		if !ok {
			return
		}
		res, err := svc.ListDevices(r.Context(), userID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrUserNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSafetyNumber(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceA, ok := queryUUID(w, r, "device_a")
		if !ok {
			metrics.SafetyNumbersComputedTotal.WithLabelValues("failure").Inc()
			return
		}
		deviceB, ok := queryUUID(w, r, "device_b")
		if !ok {
			metrics.SafetyNumbersComputedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := svc.SafetyNumber(r.Context(), deviceA, deviceB)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrDeviceNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			metrics.SafetyNumbersComputedTotal.WithLabelValues("failure").Inc()
			return
		}
		metrics.SafetyNumbersComputedTotal.WithLabelValues("success").Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func handleEncryptionStatus(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.EncryptionStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res, err := svc.EncryptionStatus(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		outcome := "encrypted"
		if !res.Encrypted {
			outcome = "plaintext"
		}
		metrics.EncryptionStatusChecksTotal.WithLabelValues(outcome).Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func queryUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		http.Error(w, "missing "+param, http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitOrigins(raw string) []string {
	out := []string{}
	for _, o := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
