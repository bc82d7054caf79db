package discord

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"highlight/internal/engine"
)

// classify maps Discord API failures onto the engine error taxonomy.
// Permanent means retrying the same call cannot succeed (closed DMs,
// missing access); everything else is treated as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) {
		if rerr.Message != nil {
			switch rerr.Message.Code {
			case discordgo.ErrCodeCannotSendMessagesToThisUser,
				discordgo.ErrCodeMissingAccess,
				discordgo.ErrCodeMissingPermissions,
				discordgo.ErrCodeUnknownUser,
				discordgo.ErrCodeUnknownChannel:
				return engine.Permanent(op, err)
			}
		}
		if rerr.Response != nil {
			code := rerr.Response.StatusCode
			if code == http.StatusTooManyRequests || code >= 500 {
				return engine.Transient(op, err)
			}
			if code >= 400 {
				return engine.Permanent(op, err)
			}
		}
	}

	var lerr *discordgo.RateLimitError
	if errors.As(err, &lerr) {
		return engine.Transient(op, err)
	}

	return engine.Transient(op, err)
}
