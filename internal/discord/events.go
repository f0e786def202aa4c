package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/pkg/audio"
)

// VoiceEvents translates a gateway voice-state update into playback events.
//
// A user moving between channels yields a leave for the old channel followed
// by a join for the new one. Mute, deafen and stream toggles yield nothing.
// For the bot's own account (selfID) only a removal from voice is reported,
// as [audio.EventDisconnected]; joins and moves of the bot are driven by the
// playback core and need no echo.
func VoiceEvents(selfID string, v *discordgo.VoiceStateUpdate) []audio.Event {
	if v == nil || v.VoiceState == nil {
		return nil
	}
	after := v.VoiceState
	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}

	if selfID != "" && after.UserID == selfID {
		if after.ChannelID == "" && before != "" {
			return []audio.Event{{Type: audio.EventDisconnected, GuildID: after.GuildID, UserID: after.UserID, Bot: true}}
		}
		return nil
	}

	if before == after.ChannelID {
		return nil
	}
	bot := isBot(after.Member)
	var events []audio.Event
	if before != "" {
		events = append(events, audio.Event{Type: audio.EventLeave, GuildID: after.GuildID, ChannelID: before, UserID: after.UserID, Bot: bot})
	}
	if after.ChannelID != "" {
		events = append(events, audio.Event{Type: audio.EventJoin, GuildID: after.GuildID, ChannelID: after.ChannelID, UserID: after.UserID, Bot: bot})
	}
	return events
}

func isBot(m *discordgo.Member) bool {
	return m != nil && m.User != nil && m.User.Bot
}
