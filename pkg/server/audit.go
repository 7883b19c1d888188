package server

import (
	"io"
	"log/slog"

	"github.com/aeolun/musserver/pkg/database"
)

// auditor writes audit events as JSON lines and, when persistence is on,
// into the AuditEvent table. Neither sink is allowed to fail a command.
type auditor struct {
	logger *slog.Logger
	store  *database.AuditLog
}

func newAuditor(w io.Writer, store *database.AuditLog) *auditor {
	logger := slog.New(slog.NewJSONHandler(w, nil)).With(slog.String("component", "audit"))
	return &auditor{logger: logger, store: store}
}

func (a *auditor) record(event string, sess *Session, movie, user, detail string) {
	if a == nil {
		return
	}

	var id string
	if a.store != nil {
		id = a.store.Record(event, movie, user, detail)
	}
	attrs := []any{
		slog.String("event", event),
		slog.String("id", id),
	}
	// Operator actions have no session of their own
	if sess != nil {
		attrs = append(attrs,
			slog.Uint64("session", sess.ID),
			slog.String("token", sess.Token),
			slog.String("remote", sess.RemoteAddr),
		)
	}
	attrs = append(attrs,
		slog.String("movie", movie),
		slog.String("user", user),
		slog.String("detail", detail),
	)
	a.logger.Info(event, attrs...)
}
