package syncclient

import (
	"context"
	"log/slog"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// fieldToken holds a User's current credential.
const fieldToken = "token"

// ForeignChange tells the signed-in user that someone else changed their account.
type ForeignChange struct {
	UserID  string
	ActorID string
	EventID string
}

// Bridge follows User events for the signed-in user: it swaps in rotated
// credentials and signs out when the user is deleted.
type Bridge struct {
	creds    *Credentials
	logger   *slog.Logger
	onLogout func()
	onNotice func(ForeignChange)
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// OnLogout registers the callback run when the signed-in user is deleted.
func OnLogout(fn func()) BridgeOption {
	return func(b *Bridge) {
		b.onLogout = fn
	}
}

// OnForeignChange registers the callback run when another principal rotated
// the signed-in user's credential.
func OnForeignChange(fn func(ForeignChange)) BridgeOption {
	return func(b *Bridge) {
		b.onNotice = fn
	}
}

// NewBridge creates a Bridge over creds.
func NewBridge(creds *Credentials, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		creds:    creds,
		logger:   slog.Default(),
		onLogout: func() {},
		onNotice: func(ForeignChange) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle inspects evt. Events of other kinds or other users are ignored.
func (b *Bridge) Handle(ctx context.Context, evt *change.Event) {
	if evt == nil || evt.Kind != change.KindUser {
		return
	}

	current := b.creds.Current()
	if current == "" {
		return
	}
	watched, err := SubjectOf(current)
	if err != nil {
		b.logger.WarnContext(ctx, "cannot read current credential",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, doc := range evt.Aggregates() {
		if doc.ID() != watched {
			continue
		}
		switch evt.Type {
		case change.EventDeleted:
			b.logger.InfoContext(ctx, "signed-in user deleted, signing out",
				slog.String("user_id", watched),
				slog.String("actor_id", evt.ActorID),
			)
			b.creds.Clear()
			b.onLogout()
		case change.EventCreated, change.EventUpdated:
			b.rotate(ctx, evt, watched, current, doc)
		}
		return
	}
}

func (b *Bridge) rotate(ctx context.Context, evt *change.Event, watched, current string, doc change.Document) {
	next, ok := doc[fieldToken].(string)
	if !ok || next == "" || next == current {
		return
	}

	subject, err := SubjectOf(next)
	if err != nil {
		b.logger.WarnContext(ctx, "ignoring unreadable rotated credential",
			slog.String("user_id", watched),
			slog.String("error", err.Error()),
		)
		return
	}
	if subject != watched {
		b.logger.WarnContext(ctx, "ignoring rotated credential for another subject",
			slog.String("user_id", watched),
			slog.String("subject", subject),
		)
		return
	}

	b.creds.Set(next)
	b.logger.InfoContext(ctx, "credential rotated",
		slog.String("user_id", watched),
		slog.String("actor_id", evt.ActorID),
	)

	if evt.ActorID != watched {
		b.onNotice(ForeignChange{UserID: watched, ActorID: evt.ActorID, EventID: evt.ID})
	}
}
