package rundaq

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest run-control state.

import (
	"encoding/json"
	"time"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State any
}

// RunClientUpdater forwards any message from its input channel to the publisher
// to publish any information that clients need to know. Identical repeats of
// a tag are sent at most once per resendInterval. It returns when messages is
// closed.
func RunClientUpdater(messages <-chan ClientUpdate, pub Publisher, log *Logger, resendInterval time.Duration) {
	type sent struct {
		message []byte
		when    time.Time
	}
	last := make(map[string]sent)
	for update := range messages {
		message, err := json.Marshal(update.State)
		if err != nil {
			log.Warnf("could not encode %s update: %v", update.Tag, err)
			continue
		}
		if prev, ok := last[update.Tag]; ok && string(prev.message) == string(message) &&
			time.Since(prev.when) < resendInterval {
			continue
		}
		if err := pub.Publish(update.Tag, message); err != nil {
			log.Warnf("could not publish %s update: %v", update.Tag, err)
			continue
		}
		last[update.Tag] = sent{message: message, when: time.Now()}
	}
}
