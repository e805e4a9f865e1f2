package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminChecker определяет, является ли пользователь администратором.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

// RequireAdmin пропускает запрос только для администраторов. Должен стоять после AuthMiddleware.
func RequireAdmin(checker AdminChecker, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserIDFromContext(r.Context())
			if !ok {
				writeStatus(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			isAdmin, err := checker.IsAdmin(r.Context(), userID)
			if err != nil {
				logger.Error("admin role lookup error", zap.Error(err), zap.String("userID", userID.String()))
				writeStatus(w, http.StatusInternalServerError, err.Error())
				return
			}
			if !isAdmin {
				writeStatus(w, http.StatusForbidden, "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type statusResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(statusResponse{OK: false, Message: message})
}
