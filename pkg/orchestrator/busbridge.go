package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// busSubjectPrefix is the subject root for mirrored session events.
// Full subjects are coauthor.session.<sessionID>.<eventType>, so
// observers can subscribe to one session ("coauthor.session.abc.>") or
// one event type across sessions ("coauthor.session.*.proposal.ready").
const busSubjectPrefix = "coauthor.session."

// mirrorToBus forwards a session event to the external bus, when one is
// configured. Delivery is best-effort: a slow or broken bus never
// blocks or fails a run.
func (o *Orchestrator) mirrorToBus(sessionID string, event stream.Event) {
	if o.bus == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = o.bus.Publish(ctx, busSubjectPrefix+sessionID+"."+event.Type, payload)
}
