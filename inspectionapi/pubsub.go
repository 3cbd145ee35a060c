package inspectionapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
)

// pushEnvelope is the body Pub/Sub POSTs to push subscriptions.
type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// actasPushHandler acks (2xx) everything it handled or can never handle, and
// answers 500 when the event should be delivered again.
func (h *Handlers) actasPushHandler(c *gin.Context) {
	logger := config.GetLogger()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(logger, "pubsub.go", "actasPushHandler", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}

	// []byte fields decode base64 on their own.
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		config.LogError(logger, "pubsub.go", "actasPushHandler", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var m config.ActaCompletionMessage
	if err := json.Unmarshal(envelope.Message.Data, &m); err != nil {
		config.LogError(logger, "pubsub.go", "actasPushHandler", "Unmarshal completion message", string(envelope.Message.Data), err)
		c.Status(http.StatusNoContent)
		return
	}
	if m.InspectionId == "" {
		config.LogError(logger, "pubsub.go", "actasPushHandler", "Invalid completion message", m, errors.New("inspection_id required"))
		c.Status(http.StatusNoContent)
		return
	}
	if h.Completion == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	correlationID := m.CorrelationId
	if correlationID == "" {
		correlationID = envelope.Message.ID
	}
	ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
	ctx = utils.SetUserIdInContext(ctx, models.SystemActorId)
	ctx = utils.SetUserNameInContext(ctx, models.SystemActorName)

	outcome, err := h.Completion.ProcessInspection(ctx, m.InspectionId)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field":          "actasPushHandler",
			"inspection_id":  m.InspectionId,
			"outbox_id":      m.OutboxId,
			"message_id":     envelope.Message.ID,
			"correlation_id": correlationID,
		}).Warn("acta completion not processed, asking for redelivery: " + err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	logger.WithFields(logrus.Fields{
		"field":          "actasPushHandler",
		"inspection_id":  m.InspectionId,
		"message_id":     envelope.Message.ID,
		"correlation_id": correlationID,
		"outcome":        outcome,
	}).Info("acta completion delivered")
	c.Status(http.StatusNoContent)
}
