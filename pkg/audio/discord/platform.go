// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It joins a voice
// channel as a muted listener and exposes every speaking participant as an
// independent [audio.Source] so each speaker is transcribed by its own stream.
//
// The platform requires an active *discordgo.Session (owned by the caller)
// and a guild ID.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Option is a functional option for configuring a Platform.
type Option func(*Platform)

// WithBandPass enables speech band-pass conditioning on every participant
// source.
func WithBandPass(enabled bool) Option {
	return func(p *Platform) { p.bandPass = enabled }
}

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session  *discordgo.Session
	guildID  string
	bandPass bool
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{
		session: session,
		guildID: guildID,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: connect: %w", err)
	}
	// mute=true: the transcriber never speaks. deaf=false: we need the audio.
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID, p.bandPass), nil
}
