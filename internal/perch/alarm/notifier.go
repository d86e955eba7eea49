// Package alarm posts operator notifications for control-plane events.
//
// When configured with a Matrix room ID (PERCH_MATRIX_ALARM_ROOM), perchd
// posts concise human-readable summaries of instance lifecycle events and
// anomalies to that room so operators can monitor the fleet without tailing
// logs. Resource leaks found during deletion and drift found by the
// reconciler always land here.
package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perch-run/perch/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindInstanceCreated Kind = "instance.created"
	KindInstanceStarted Kind = "instance.started"
	KindInstanceStopped Kind = "instance.stopped"
	KindInstanceDeleted Kind = "instance.deleted"
	KindContainerLeaked Kind = "container.leaked"
	KindReconcileDrift  Kind = "reconcile.drift"
	KindError           Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	Kind Kind
	// Tenant is the owning tenant ID.
	Tenant string
	// Instance is the affected instance ID.
	Instance string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification to the request log. Taken from the
	// context when empty.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends operator notifications. Implementations must not block the
// caller beyond a short timeout; send failures are logged, not propagated.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix alarm room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the alarm
// room. Errors are logged at WARN level; the caller is never blocked.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Instance != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Instance, evt.Message)
	}
	if evt.Tenant != "" {
		msg = fmt.Sprintf("%s\n  tenant: %s", msg, evt.Tenant)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("alarm notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("alarm notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Noop is a no-op Notifier used when alarm notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindInstanceCreated:
		return "🟢"
	case KindInstanceStarted:
		return "▶️"
	case KindInstanceStopped:
		return "⏹️"
	case KindInstanceDeleted:
		return "🗑️"
	case KindContainerLeaked:
		return "🩸"
	case KindReconcileDrift:
		return "🔄"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
