package envelope

import (
	"encoding/json"

	"github.com/Lllllllleong/documenttracker/internal/models"
)

// ParsePushMessage unwraps a Pub/Sub MessagePublishedData body into a Delivery.
// The inner event payload is not decoded here; see Parse.
func ParsePushMessage(body []byte) (*models.Delivery, error) {
	var push models.MessagePublishedData
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, malformed("invalid pubsub push body", err)
	}
	if len(push.Message.Data) == 0 {
		return nil, malformed("pubsub message has no data", nil)
	}
	return &models.Delivery{
		MessageID: push.Message.MessageID,
		Data:      push.Message.Data,
		Attempt:   push.DeliveryAttempt,
		Source:    push.Subscription,
	}, nil
}
