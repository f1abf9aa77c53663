package worker

import (
	"github.com/spec-kit/conversation-engine/internal/service"
)

// StartNotificationWorker registers the gateway and relay fan-out on the dispatcher.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}
