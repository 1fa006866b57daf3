package realtime

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/kustodia/escrowd/internal/eventlog"
)

func subscriptionFromQuery(r *http.Request) (Subscription, error) {
	q := r.URL.Query()
	var sub Subscription
	for _, t := range q["type"] {
		typ := eventlog.Type(t)
		if !slices.Contains(eventlog.Types, typ) {
			return Subscription{}, fmt.Errorf("unknown event type %q", t)
		}
		sub.Types = append(sub.Types, typ)
	}
	for _, raw := range q["escrowId"] {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Subscription{}, fmt.Errorf("invalid escrowId %q", raw)
		}
		sub.EscrowIDs = append(sub.EscrowIDs, id)
	}
	sub.Parties = append(sub.Parties, q["party"]...)
	return sub, nil
}
