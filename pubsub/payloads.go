package pubsub

import "github.com/google/uuid"

// Channel names. One channel per payload kind keeps listeners simple.
const (
	// ChanConnectivity carries host-runtime online/offline transitions into
	// the engine.
	ChanConnectivity = "connectivity"
	// ChanAdvisories carries toast-style notices out to the UI shell.
	ChanAdvisories = "advisories"
	// ChanSurfaced carries one payload per notification pop-up. At most one
	// payload per poll cycle is emitted on it.
	ChanSurfaced = "surfaced"
)

// ConnectivityChanged is the binary online/offline signal from the host
// runtime. An online transition triggers a queue drain and forces
// revalidation of the cache and notification feed.
type ConnectivityChanged struct {
	Online bool
}

func (*ConnectivityChanged) Type() string { return "ConnectivityChanged" }

type AdvisoryLevel string

const (
	AdvisoryInfo    AdvisoryLevel = "info"
	AdvisoryWarning AdvisoryLevel = "warning"
)

// Advisory is a transient toast-style notice: sync progress, poor
// connection, session expiry. Advisories are fire-and-forget and are never
// persisted.
type Advisory struct {
	ID      string
	Level   AdvisoryLevel
	Message string
}

func (*Advisory) Type() string { return "Advisory" }

func NewAdvisory(level AdvisoryLevel, message string) *Advisory {
	return &Advisory{
		ID:      uuid.NewString(),
		Level:   level,
		Message: message,
	}
}

// NotificationSurfaced is the one-time pop-up signal for a newly detected
// notification, distinct from the notification's persistent presence in the
// feed.
type NotificationSurfaced struct {
	ID       string
	Title    string
	Message  string
	Severity string
}

func (*NotificationSurfaced) Type() string { return "NotificationSurfaced" }
