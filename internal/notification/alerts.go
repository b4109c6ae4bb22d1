package notification

import (
	"fmt"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// RefreshNeeded is sent when a cached payload passes its TTL.
func RefreshNeeded(q model.CostQuery) Message {
	return Message{
		EventType: EventRefreshNeeded,
		Title:     fmt.Sprintf("Cost data expired: %s", q.AccountID),
		Body:      fmt.Sprintf("The cached %s for account %s (%s to %s) is past its TTL and will be refetched on the next read.", q.Kind, q.AccountID, q.Start, q.End),
		Severity:  "low",
		Data: map[string]any{
			"Account": q.AccountID,
			"Kind":    string(q.Kind),
			"Start":   q.Start,
			"End":     q.End,
		},
	}
}

// RefreshFailed is sent when a background refresh could not reach the
// provider. The previous payload stays cached.
func RefreshFailed(q model.CostQuery, err error) Message {
	kind := model.KindOf(err)
	return Message{
		EventType: EventRefreshFailed,
		Title:     fmt.Sprintf("Cost refresh failed: %s", q.AccountID),
		Body:      fmt.Sprintf("Refreshing the %s for account %s failed. %s", q.Kind, q.AccountID, kind.UserMessage()),
		Severity:  "medium",
		Data: map[string]any{
			"Account": q.AccountID,
			"Kind":    string(q.Kind),
			"Error":   string(kind),
		},
	}
}
