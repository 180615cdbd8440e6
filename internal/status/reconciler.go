package status

import (
	"log/slog"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// Transition is an observed change to a server-confirmed entity.
type Transition struct {
	Kind      string // "task" or "session"
	ID        string
	Title     string
	Field     string
	From      string
	To        string
	Attention bool // the human should look at this
}

// Notifier receives transitions worth surfacing locally.
type Notifier interface {
	Notify(Transition)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Transition)

func (f NotifierFunc) Notify(t Transition) { f(t) }

// Reconciler watches server-confirmed entities replace their previous
// versions and reports status transitions. It never writes to the server:
// automatic transitions are performed server-side and arrive as updates.
type Reconciler struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewReconciler(notifier Notifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{notifier: notifier, logger: logger}
}

// ObserveTask compares the previous and next version of a task. prev may be
// nil for a task the cache has not seen before.
func (r *Reconciler) ObserveTask(prev, next *models.Task) []Transition {
	if next == nil {
		return nil
	}
	var out []Transition
	if prev == nil {
		return out
	}
	if prev.Status != next.Status {
		out = append(out, Transition{
			Kind: "task", ID: next.ID, Title: next.Title, Field: "status",
			From: string(prev.Status), To: string(next.Status),
			Attention: next.Status == models.TaskStatusReview,
		})
	}
	if prev.AgentStatus != next.AgentStatus {
		out = append(out, Transition{
			Kind: "task", ID: next.ID, Title: next.Title, Field: "agentStatus",
			From: string(prev.AgentStatus), To: string(next.AgentStatus),
			Attention: next.AgentStatus == models.AgentStatusNeedsInput ||
				next.AgentStatus == models.AgentStatusBlocked ||
				next.AgentStatus == models.AgentStatusFailed,
		})
	}
	r.emit(out)
	return out
}

// ObserveSession compares the previous and next version of a session.
func (r *Reconciler) ObserveSession(prev, next *models.Session) []Transition {
	if prev == nil || next == nil || prev.Status == next.Status {
		return nil
	}
	out := []Transition{{
		Kind: "session", ID: next.ID, Title: next.Name, Field: "status",
		From: string(prev.Status), To: string(next.Status),
		Attention: next.Status == models.SessionStatusFailed || next.Status == models.SessionStatusCompleted,
	}}
	r.emit(out)
	return out
}

func (r *Reconciler) emit(ts []Transition) {
	for _, t := range ts {
		r.logger.Debug("status transition", "kind", t.Kind, "id", t.ID, "field", t.Field, "from", t.From, "to", t.To)
		if t.Attention && r.notifier != nil {
			r.notifier.Notify(t)
		}
	}
}
