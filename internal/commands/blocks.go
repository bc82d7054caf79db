package commands

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"highlight/internal/storage"
)

var userMentionPattern = regexp.MustCompile(`^<@!?([0-9]+)>$|^([0-9]+)$`)

func (r *Router) blockCommands() []*Command {
	return []*Command{
		{
			Route:       "block",
			Description: "never get highlights for messages from users",
			Usage:       "block <users>",
			Handle:      r.addBlocks,
		},
		{
			Route:       "unblock",
			Description: "resume highlights for messages from users",
			Usage:       "unblock <users>",
			Handle:      r.removeBlocks,
		},
		{
			Route:       "blocks",
			Description: "list your blocked users",
			Usage:       "blocks",
			Handle:      r.listBlocks,
		},
	}
}

func (r *Router) addBlocks(ctx context.Context, req *Request) (string, error) {
	users, invalid := parseUserArgs(req)
	if len(users) == 0 {
		return "Usage: `block <user mentions or IDs>`.", nil
	}

	var blocked, already []string
	for _, u := range users {
		if u == req.UserID {
			continue
		}
		err := r.store.AddBlock(ctx, storage.Block{UserID: req.UserID, BlockedID: u})
		switch {
		case errors.Is(err, storage.ErrExists):
			already = append(already, "<@"+u+">")
		case err != nil:
			return "", err
		default:
			blocked = append(blocked, "<@"+u+">")
		}
	}

	var parts []string
	if len(blocked) > 0 {
		parts = append(parts, "Blocked users: "+strings.Join(blocked, ", "))
	}
	if len(already) > 0 {
		parts = append(parts, "Users already blocked: "+strings.Join(already, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "Invalid arguments (use mentions or IDs): "+strings.Join(invalid, ", "))
	}
	if len(parts) == 0 {
		return "You can't block yourself.", nil
	}
	return strings.Join(parts, "\n"), nil
}

func (r *Router) removeBlocks(ctx context.Context, req *Request) (string, error) {
	users, invalid := parseUserArgs(req)
	if len(users) == 0 {
		return "Usage: `unblock <user mentions or IDs>`.", nil
	}

	var unblocked, notBlocked []string
	for _, u := range users {
		err := r.store.DeleteBlock(ctx, storage.Block{UserID: req.UserID, BlockedID: u})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			notBlocked = append(notBlocked, "<@"+u+">")
		case err != nil:
			return "", err
		default:
			unblocked = append(unblocked, "<@"+u+">")
		}
	}

	var parts []string
	if len(unblocked) > 0 {
		parts = append(parts, "Unblocked users: "+strings.Join(unblocked, ", "))
	}
	if len(notBlocked) > 0 {
		parts = append(parts, "Users weren't blocked: "+strings.Join(notBlocked, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "Invalid arguments (use mentions or IDs): "+strings.Join(invalid, ", "))
	}
	return strings.Join(parts, "\n"), nil
}

func (r *Router) listBlocks(ctx context.Context, req *Request) (string, error) {
	blocks, err := r.store.UserBlocks(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if len(blocks) == 0 {
		return "You haven't blocked any users!", nil
	}
	mentions := make([]string, len(blocks))
	for i, b := range blocks {
		mentions[i] = "<@" + b.BlockedID + ">"
	}
	return "Your blocked users:\n  - " + strings.Join(mentions, "\n  - "), nil
}

func (r *Router) optOutCommands() []*Command {
	return []*Command{
		{
			Route:       "opt-out",
			Aliases:     []string{"optout"},
			Description: "stop your messages from triggering anyone's highlights",
			Usage:       "opt-out",
			Handle:      r.optOut,
		},
		{
			Route:       "opt-in",
			Aliases:     []string{"optin"},
			Description: "let your messages trigger highlights again",
			Usage:       "opt-in",
			Handle:      r.optIn,
		},
	}
}

func (r *Router) optOut(ctx context.Context, req *Request) (string, error) {
	err := r.store.OptOut(ctx, req.UserID)
	if errors.Is(err, storage.ErrExists) {
		return "You already opted out!", nil
	}
	if err != nil {
		return "", err
	}
	return "✅ Your messages will no longer trigger highlights.", nil
}

func (r *Router) optIn(ctx context.Context, req *Request) (string, error) {
	err := r.store.OptIn(ctx, req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return "You haven't opted out!", nil
	}
	if err != nil {
		return "", err
	}
	return "✅ Your messages can trigger highlights again.", nil
}

// parseUserArgs accepts user mentions and raw IDs. Mentions already
// resolved by the gateway take precedence over text parsing.
func parseUserArgs(req *Request) (users, invalid []string) {
	if len(req.Mentions) > 0 {
		return req.Mentions, nil
	}
	for _, f := range strings.Fields(req.Args) {
		m := userMentionPattern.FindStringSubmatch(f)
		if m == nil {
			invalid = append(invalid, f)
			continue
		}
		id := m[1]
		if id == "" {
			id = m[2]
		}
		users = append(users, id)
	}
	return users, invalid
}
