package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/filter"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// SetupRouter wires the management surface consumed by external status and
// allow-list tooling: health, stats, and the list/add/remove/test contract
// over the chat filter.
func SetupRouter(r *chi.Mux, cfg *config.Config, st store.Store, flt *filter.Filter, logger *log.Logger) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.Stats(r.Context()); err != nil {
			logger.Error("Store health check failed", zap.Error(err))
			http.Error(w, "Store unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		storeStats, err := st.Stats(r.Context())
		if err != nil {
			logger.Error("Failed to read store stats", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, map[string]any{
			"store":  storeStats,
			"filter": flt.Stats(),
		})
	})

	r.Group(func(r chi.Router) {
		if cfg.ManagementJWTSecret != "" {
			r.Use(authMiddleware(cfg.ManagementJWTSecret, logger))
		}

		r.Get("/chats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, logger, map[string]any{"chats": flt.List()})
		})

		r.Post("/chats", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := flt.Add(req.Name); err != nil {
				logger.Error("Failed to add allowed chat", zap.Error(err), zap.String("chat", req.Name))
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("OK"))
		})

		r.Delete("/chats/{name}", func(w http.ResponseWriter, r *http.Request) {
			name, err := url.PathUnescape(chi.URLParam(r, "name"))
			if err != nil || name == "" {
				http.Error(w, "Invalid chat name", http.StatusBadRequest)
				return
			}
			removed, err := flt.Remove(name)
			if err != nil {
				logger.Error("Failed to remove allowed chat", zap.Error(err), zap.String("chat", name))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !removed {
				http.Error(w, "Chat not found", http.StatusNotFound)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Get("/chats/test", func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Query().Get("name")
			if name == "" {
				http.Error(w, "Missing name", http.StatusBadRequest)
				return
			}
			writeJSON(w, logger, map[string]any{
				"name":    name,
				"allowed": flt.Contains(name),
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid management token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
