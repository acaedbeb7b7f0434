package core

import "sort"

// RetentionLimit is the maximum number of alerts kept in the merged view.
const RetentionLimit = 50

// MergeAlerts combines a freshly observed batch with the current view.
//
// Records are keyed by ID and walked incoming-then-existing, so for an ID
// present in both the existing record's descriptive fields win. The prior
// acknowledgement state is kept as-is and status never moves back from
// resolved. Within incoming, a repeated ID overwrites in place.
//
// The result is stably sorted by Timestamp, newest first, and cut to
// RetentionLimit. Neither input slice is modified.
func MergeAlerts(existing, incoming []Alert) []Alert {
	return mergeAlerts(existing, incoming, RetentionLimit)
}

func mergeAlerts(existing, incoming []Alert, limit int) []Alert {
	merged := make(map[string]Alert, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	for _, a := range incoming {
		if _, seen := merged[a.ID]; !seen {
			order = append(order, a.ID)
		}
		merged[a.ID] = a
	}

	for _, a := range existing {
		prev, seen := merged[a.ID]
		if !seen {
			order = append(order, a.ID)
			merged[a.ID] = a
			continue
		}
		if prev.IsResolved() {
			a.Status = AlertStatusResolved
		}
		merged[a.ID] = a
	}

	out := make([]Alert, 0, len(order))
	for _, id := range order {
		out = append(out, merged[id])
	}
	SortAlerts(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortAlerts orders alerts newest first by Timestamp. Equal instants keep
// their relative order.
func SortAlerts(alerts []Alert) {
	keyed := make([]sortKey, len(alerts))
	for i, a := range alerts {
		keyed[i] = sortKey{alert: a, at: a.Instant().UnixNano()}
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		return keyed[i].at > keyed[j].at
	})
	for i := range keyed {
		alerts[i] = keyed[i].alert
	}
}

type sortKey struct {
	alert Alert
	at    int64
}
