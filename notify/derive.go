package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/scbc-app/fleetsync/transport"
)

// timestamp layouts accepted from source rows, most specific first.
var sourceLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseSourceTime parses a source row timestamp. Rows whose timestamp fails
// to parse are discarded by the callers.
func parseSourceTime(raw string) (time.Time, bool) {
	for _, layout := range sourceLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// withinWindow drops rows older than the rolling window; stale alerts
// self-expire without explicit cleanup.
func withinWindow(ts, now time.Time) bool {
	return now.Sub(ts) <= rollingWindow
}

// deriveInspections raises a critical alert for every inspection rated at or
// below the critical threshold.
func deriveInspections(doc *transport.Document, now time.Time) []Notification {
	rs := doc.Set("inspections")
	var out []Notification
	for _, row := range rs.Rows {
		rawTS := rs.Col(row, "ts")
		ts, ok := parseSourceTime(rawTS)
		if !ok || !withinWindow(ts, now) {
			continue
		}
		rating, err := strconv.Atoi(rs.Col(row, "rating"))
		if err != nil || rating > criticalRating {
			continue
		}
		truck := rs.Col(row, "truck")
		out = append(out, Notification{
			ID:           DeriveID("inspection:"+truck, rawTS),
			Title:        "Critical inspection result",
			Message:      fmt.Sprintf("Truck %s rated %d", truck, rating),
			Severity:     SeverityCritical,
			Timestamp:    ts,
			SourceModule: "inspections",
			ActionRef:    truck,
			Remote:       true,
		})
	}
	return out
}

// deriveFollowups raises a warning for every follow-up action still open.
func deriveFollowups(doc *transport.Document, now time.Time) []Notification {
	rs := doc.Set("followups")
	var out []Notification
	for _, row := range rs.Rows {
		rawTS := rs.Col(row, "ts")
		ts, ok := parseSourceTime(rawTS)
		if !ok || !withinWindow(ts, now) {
			continue
		}
		if rs.Col(row, "status") == "done" {
			continue
		}
		truck := rs.Col(row, "truck")
		action := rs.Col(row, "action")
		out = append(out, Notification{
			ID:           DeriveID("followup:"+truck+":"+action, rawTS),
			Title:        "Follow-up due",
			Message:      fmt.Sprintf("Truck %s: %s", truck, action),
			Severity:     SeverityWarning,
			Timestamp:    ts,
			SourceModule: "followups",
			ActionRef:    truck,
			Remote:       true,
		})
	}
	return out
}

// deriveDocuments raises a warning for truck documents that have expired or
// expire within seven days.
func deriveDocuments(doc *transport.Document, now time.Time) []Notification {
	rs := doc.Set("documents")
	var out []Notification
	for _, row := range rs.Rows {
		rawTS := rs.Col(row, "ts")
		ts, ok := parseSourceTime(rawTS)
		if !ok || !withinWindow(ts, now) {
			continue
		}
		expires, ok := parseSourceTime(rs.Col(row, "expires"))
		if !ok || expires.After(now.Add(7*24*time.Hour)) {
			continue
		}
		truck := rs.Col(row, "truck")
		name := rs.Col(row, "doc")
		msg := fmt.Sprintf("Truck %s: %s expires %s", truck, name, expires.Format("2006-01-02"))
		if expires.Before(now) {
			msg = fmt.Sprintf("Truck %s: %s expired %s", truck, name, expires.Format("2006-01-02"))
		}
		out = append(out, Notification{
			ID:           DeriveID("document:"+truck+":"+name, rawTS),
			Title:        "Document expiry",
			Message:      msg,
			Severity:     SeverityWarning,
			Timestamp:    ts,
			SourceModule: "documents",
			ActionRef:    truck,
			Remote:       true,
		})
	}
	return out
}

// deriveBroadcasts merges externally-authored notifications addressed to the
// current identity, its role, or "all". Broadcast rows carry their own key
// column authored remotely; the id still derives from key+timestamp so
// re-deliveries dedupe.
func deriveBroadcasts(doc *transport.Document, now time.Time, handle, role string) []Notification {
	rs := doc.Set("broadcasts")
	var out []Notification
	for _, row := range rs.Rows {
		audience := rs.Col(row, "audience")
		if audience != "all" && audience != handle && audience != role {
			continue
		}
		rawTS := rs.Col(row, "ts")
		ts, ok := parseSourceTime(rawTS)
		if !ok || !withinWindow(ts, now) {
			continue
		}
		severity := Severity(rs.Col(row, "severity"))
		switch severity {
		case SeverityCritical, SeverityWarning, SeverityInfo:
		default:
			severity = SeverityInfo
		}
		out = append(out, Notification{
			ID:           DeriveID("broadcast:"+rs.Col(row, "key"), rawTS),
			Title:        rs.Col(row, "title"),
			Message:      rs.Col(row, "message"),
			Severity:     severity,
			Timestamp:    ts,
			SourceModule: "broadcasts",
			Remote:       true,
		})
	}
	return out
}
