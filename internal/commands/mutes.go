package commands

import (
	"context"
	"errors"
	"strings"

	"highlight/internal/storage"
)

func (r *Router) muteCommands() []*Command {
	return []*Command{
		{
			Route:       "mute",
			Description: "stop highlights from channels (defaults to the current one)",
			Usage:       "mute [channels]",
			GuildOnly:   true,
			Handle:      r.addMutes,
		},
		{
			Route:       "unmute",
			Description: "resume highlights from channels (defaults to the current one)",
			Usage:       "unmute [channels]",
			GuildOnly:   true,
			Handle:      r.removeMutes,
		},
		{
			Route:       "mutes",
			Description: "list your muted channels",
			Usage:       "mutes",
			Handle:      r.listMutes,
		},
	}
}

func (r *Router) addMutes(ctx context.Context, req *Request) (string, error) {
	channels, bad := muteTargets(req)
	if len(channels) == 0 {
		return "Couldn't find channels: " + strings.Join(bad, ", "), nil
	}

	var muted, already []string
	for _, ch := range channels {
		err := r.store.AddMute(ctx, storage.Mute{UserID: req.UserID, ChannelID: ch})
		switch {
		case errors.Is(err, storage.ErrExists):
			already = append(already, "<#"+ch+">")
		case err != nil:
			return "", err
		default:
			muted = append(muted, "<#"+ch+">")
		}
	}

	var parts []string
	if len(muted) > 0 {
		parts = append(parts, "Muted channels: "+strings.Join(muted, ", "))
	}
	if len(already) > 0 {
		parts = append(parts, "Channels already muted: "+strings.Join(already, ", "))
	}
	if len(bad) > 0 {
		parts = append(parts, "Couldn't find channels: "+strings.Join(bad, ", "))
	}
	return strings.Join(parts, "\n"), nil
}

func (r *Router) removeMutes(ctx context.Context, req *Request) (string, error) {
	channels, bad := muteTargets(req)
	if len(channels) == 0 {
		return "Couldn't find channels: " + strings.Join(bad, ", "), nil
	}

	var unmuted, notMuted []string
	for _, ch := range channels {
		err := r.store.DeleteMute(ctx, storage.Mute{UserID: req.UserID, ChannelID: ch})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			notMuted = append(notMuted, "<#"+ch+">")
		case err != nil:
			return "", err
		default:
			unmuted = append(unmuted, "<#"+ch+">")
		}
	}

	var parts []string
	if len(unmuted) > 0 {
		parts = append(parts, "Unmuted channels: "+strings.Join(unmuted, ", "))
	}
	if len(notMuted) > 0 {
		parts = append(parts, "Channels weren't muted: "+strings.Join(notMuted, ", "))
	}
	if len(bad) > 0 {
		parts = append(parts, "Couldn't find channels: "+strings.Join(bad, ", "))
	}
	return strings.Join(parts, "\n"), nil
}

func (r *Router) listMutes(ctx context.Context, req *Request) (string, error) {
	mutes, err := r.store.UserMutes(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if len(mutes) == 0 {
		return "You haven't muted any channels!", nil
	}
	mentions := make([]string, len(mutes))
	for i, m := range mutes {
		mentions[i] = "<#" + m.ChannelID + ">"
	}
	return "Your muted channels:\n  - " + strings.Join(mentions, "\n  - "), nil
}

// muteTargets resolves the channels a mute command applies to. With no
// arguments the current channel is used.
func muteTargets(req *Request) (channels, bad []string) {
	if req.Args == "" {
		return []string{req.ChannelID}, nil
	}
	return parseChannelArgs(req.Args)
}
