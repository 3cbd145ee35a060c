package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
)

type inspectionMutexEntry struct {
	mu   sync.Mutex
	refs int
}

var (
	inspectionMutexMap = make(map[string]*inspectionMutexEntry)
	globalMutex        = &sync.Mutex{}
)

// lockInspection serializes deliveries of the same inspection inside this
// process and returns the unlock func. Entries are dropped once nobody holds
// or waits on them. Cross-instance exclusion is the workflow's redis lock.
func lockInspection(inspectionId string) func() {
	globalMutex.Lock()
	entry, exists := inspectionMutexMap[inspectionId]
	if !exists {
		entry = &inspectionMutexEntry{}
		inspectionMutexMap[inspectionId] = entry
	}
	entry.refs++
	globalMutex.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		globalMutex.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(inspectionMutexMap, inspectionId)
		}
		globalMutex.Unlock()
	}
}

func inspectionMutexCount() int {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	return len(inspectionMutexMap)
}

// handleActaMessage decodes one delivery and runs the workflow. It reports
// whether the message should be acked.
func handleActaMessage(ctx context.Context, logger *logrus.Logger, processor inspectionProcessor, messageId string, data []byte) bool {
	var m config.ActaCompletionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		config.LogError(logger, "actaSubscriber.go", "handleActaMessage", "Unmarshaling pubsub message", string(data), err)
		return true
	}
	if m.InspectionId == "" {
		config.LogError(logger, "actaSubscriber.go", "handleActaMessage", "Invalid pubsub message", m, errors.New("inspection_id required"))
		return true
	}

	unlock := lockInspection(m.InspectionId)
	defer unlock()

	correlationId := m.CorrelationId
	if correlationId == "" {
		correlationId = messageId
	}
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	ctx = utils.SetUserNameInContext(ctx, "Sistema")

	outcome, err := processor.ProcessInspection(ctx, m.InspectionId)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field":          "ActaSubscriber",
			"inspection_id":  m.InspectionId,
			"outbox_id":      m.OutboxId,
			"message_id":     messageId,
			"correlation_id": correlationId,
		}).Error("pubsub processing failed: " + err.Error())
		return false
	}
	logger.WithFields(logrus.Fields{
		"field":         "ActaSubscriber",
		"inspection_id": m.InspectionId,
		"message_id":    messageId,
		"outcome":       string(outcome),
	}).Info("acta completion message handled")
	return true
}

// RunActaSubscriber pulls completion events from ACTAS_PUBSUB_SUBSCRIPTION in
// the background until ctx is cancelled.
func RunActaSubscriber(ctx context.Context, logger *logrus.Logger, processor inspectionProcessor) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.ActasTopicName())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, config.ActasSubscriptionName(), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		if handleActaMessage(ctx, logger, processor, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "actaSubscriber.go", "RunActaSubscriber", "Failed to receive messages", nil, err)
		}
	}()
	return nil
}
