package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	mw "github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/middleware"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/response"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// NotificationLister defines the interface the notifications handler depends on.
type NotificationLister interface {
	Notifications(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Notification, error)
}

// NewListNotificationsHandler returns an http.HandlerFunc for GET /api/v1/notifications.
func NewListNotificationsHandler(svc NotificationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		limit := queryInt(r, "limit", 50)
		if limit > 200 {
			limit = 200
		}

		list, err := svc.Notifications(r.Context(), ownerID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list notifications", nil)
			return
		}
		response.JSON(w, list)
	}
}
