package engine

import (
	"context"
	"time"

	"highlight/internal/gateway"
	"highlight/internal/storage"
	"highlight/pkg/logx"
)

// EligibilityStore is the slice of storage the resolver reads.
type EligibilityStore interface {
	IsMuted(ctx context.Context, userID, channelID string) (bool, error)
	IsBlocked(ctx context.Context, userID, authorID string) (bool, error)
}

// Resolver decides whether a matched keyword should notify its owner for a
// specific message. Checks run cheapest-first so the gateway permission call
// happens only for matches that survive the local rules.
type Resolver struct {
	store EligibilityStore
	perms gateway.Permissions
	log   logx.Logger

	permTimeout time.Duration
}

func NewResolver(store EligibilityStore, perms gateway.Permissions, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		store:       store,
		perms:       perms,
		log:         log,
		permTimeout: 5 * time.Second,
	}
}

// Eligible reports whether the keyword's owner should be notified of ev.
//
// A failed permission check drops the match: visibility is never assumed.
// The returned error is non-nil only for that delivery-affecting failure so
// the caller can count it; all rule-based rejections return (false, nil).
func (r *Resolver) Eligible(ctx context.Context, kw storage.Keyword, ev gateway.MessageEvent) (bool, error) {
	owner := kw.UserID

	// No self-notification.
	if owner == ev.AuthorID {
		return false, nil
	}

	// Users mentioned directly were already pinged by the message itself.
	for _, m := range ev.Mentions {
		if m == owner {
			return false, nil
		}
	}

	muted, err := r.store.IsMuted(ctx, owner, ev.Ref.ChannelID)
	if err != nil {
		return false, dataError("mute lookup for %s: %v", owner, err)
	}
	if muted {
		return false, nil
	}

	blocked, err := r.store.IsBlocked(ctx, owner, ev.AuthorID)
	if err != nil {
		return false, dataError("block lookup for %s: %v", owner, err)
	}
	if blocked {
		return false, nil
	}

	pctx, cancel := context.WithTimeout(ctx, r.permTimeout)
	defer cancel()
	visible, err := r.perms.CanView(pctx, owner, ev.Ref.ChannelID)
	if err != nil {
		r.log.Warn("permission check failed, dropping match",
			logx.String("user", owner),
			logx.String("channel", ev.Ref.ChannelID),
			logx.Err(err))
		return false, Transient("can_view", err)
	}
	return visible, nil
}
