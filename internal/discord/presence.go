package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/internal/playback"
)

var _ playback.Presence = (*Presence)(nil)

// Presence counts listeners from the session's state cache.
type Presence struct {
	state *discordgo.State
}

// NewPresence returns a [Presence] reading from state.
func NewPresence(state *discordgo.State) *Presence {
	return &Presence{state: state}
}

// HumansIn implements [playback.Presence]. Bots, the bot itself and
// self-deafened users are not counted. Users whose member record is missing
// from the cache count as human. An unknown guild has no listeners.
func (p *Presence) HumansIn(guildID, channelID string) int {
	if p.state == nil || channelID == "" {
		return 0
	}
	guild, err := p.state.Guild(guildID)
	if err != nil {
		return 0
	}

	p.state.RLock()
	self := ""
	if p.state.User != nil {
		self = p.state.User.ID
	}
	humans := 0
	var unknown []string
	for _, vs := range guild.VoiceStates {
		if vs == nil || vs.ChannelID != channelID || vs.UserID == self || vs.SelfDeaf {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil {
			if !vs.Member.User.Bot {
				humans++
			}
			continue
		}
		unknown = append(unknown, vs.UserID)
	}
	p.state.RUnlock()

	// Member takes the state lock itself.
	for _, id := range unknown {
		if m, err := p.state.Member(guildID, id); err != nil || !isBot(m) {
			humans++
		}
	}
	return humans
}
