package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Source     = (*participant)(nil)
)

const (
	participantBuffer = 128

	// Discord stops sending packets while a participant is silent. The fill
	// loop synthesises silence so downstream voice activity detection can
	// observe the end of an utterance.
	fillInterval   = opusFrameSizeMs * time.Millisecond
	fillAfter      = 3 * fillInterval
	maxSilenceFill = 3 * time.Second
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. It demuxes incoming Opus packets by SSRC into
// per-participant mono float sources.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc       *discordgo.VoiceConnection
	guildID  string
	bandPass bool

	mu           sync.RWMutex
	participants map[uint32]*participant
	ssrcUser     map[uint32]string // populated from speaking updates

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	lost      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	now func() time.Time
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts its background goroutines.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, bandPass bool) *Connection {
	c := newBareConnection(vc, guildID, bandPass)
	c.disconnectVC = vc.Disconnect
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)
	c.start()
	return c
}

func newBareConnection(vc *discordgo.VoiceConnection, guildID string, bandPass bool) *Connection {
	return &Connection{
		vc:           vc,
		guildID:      guildID,
		bandPass:     bandPass,
		participants: make(map[uint32]*participant),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		lost:         make(chan struct{}),
		now:          time.Now,
	}
}

func (c *Connection) start() {
	c.wg.Add(2)
	go c.recvLoop()
	go c.fillLoop()
}

// Sources returns a snapshot of the current per-participant sources. The key
// is the Discord user ID when known, otherwise the SSRC.
func (c *Connection) Sources() map[string]audio.Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]audio.Source, len(c.participants))
	for _, p := range c.participants {
		snap[p.id] = p
	}
	return snap
}

// OnParticipantChange registers cb as the callback for participant join/leave events.
// Only one callback may be registered; subsequent calls replace the previous one.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Lost is closed when Discord stops delivering voice packets without
// Disconnect having been called, e.g. after a voice gateway drop.
func (c *Connection) Lost() <-chan struct{} { return c.lost }

// Disconnect tears down the voice connection, stops the background goroutines
// and closes every participant source. It is safe to call more than once;
// subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.wg.Wait()

		c.mu.Lock()
		for ssrc, p := range c.participants {
			close(p.ch)
			delete(c.participants, ssrc)
		}
		c.mu.Unlock()
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection, decodes them
// with a per-SSRC decoder and delivers the PCM to the participant's source.
func (c *Connection) recvLoop() {
	defer c.wg.Done()
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				slog.Warn("discord: voice receive channel closed", "guild_id", c.guildID)
				close(c.lost)
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			c.deliver(pkt.SSRC, audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			})
		}
	}
}

// deliver converts frame and hands it to the participant identified by ssrc,
// creating the participant on first contact.
func (c *Connection) deliver(ssrc uint32, frame audio.AudioFrame) {
	c.mu.Lock()
	p, exists := c.participants[ssrc]
	if !exists {
		p = c.newParticipant(ssrc)
		c.participants[ssrc] = p
	}
	p.lastPacket = c.now()
	p.filled = 0
	chunk := p.conv.Convert(frame)
	if len(chunk.Samples) > 0 {
		select {
		case p.ch <- chunk:
		default:
			// Consumer is behind; drop rather than stall the receive loop.
		}
	}
	c.mu.Unlock()

	if !exists {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: p.id})
	}
}

// newParticipant must be called with c.mu held.
func (c *Connection) newParticipant(ssrc uint32) *participant {
	id, ok := c.ssrcUser[ssrc]
	if !ok {
		id = strconv.FormatUint(uint64(ssrc), 10)
	}
	conv := &audio.FormatConverter{}
	if c.bandPass {
		conv.BandPass = audio.NewBandPass(opusSampleRate, audio.DefaultHighPassHz, audio.DefaultLowPassHz)
	}
	return &participant{
		id:   id,
		ssrc: ssrc,
		ch:   make(chan audio.Chunk, participantBuffer),
		conv: conv,
		conn: c,
	}
}

// fillLoop injects one frame of silence per tick into every participant that
// has stopped sending packets, up to maxSilenceFill per pause.
func (c *Connection) fillLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(fillInterval)
	defer ticker.Stop()

	silence := make([]float32, opusFrameSize)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.fillSilence(silence)
		}
	}
}

func (c *Connection) fillSilence(silence []float32) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.participants {
		if now.Sub(p.lastPacket) < fillAfter || p.filled >= maxSilenceFill {
			continue
		}
		select {
		case p.ch <- audio.Chunk{Samples: silence, SampleRate: opusSampleRate}:
			p.filled += fillInterval
		default:
		}
	}
}

// handleSpeakingUpdate records the SSRC to user ID mapping Discord announces
// when a participant starts speaking.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
}

// handleVoiceStateUpdate processes Discord VoiceStateUpdate events to detect
// participant joins and leaves for the voice channel this connection is on.
// A participant that leaves has its source closed.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID {
		c.closeUser(vsu.UserID)
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
		return
	}

	if vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID) {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

func (c *Connection) closeUser(userID string) {
	c.mu.RLock()
	var leaving []*participant
	for _, p := range c.participants {
		if p.id == userID {
			leaving = append(leaving, p)
		}
	}
	c.mu.RUnlock()
	for _, p := range leaving {
		c.removeParticipant(p)
	}
}

// removeParticipant closes and forgets p. Later packets from the same SSRC
// create a fresh participant.
func (c *Connection) removeParticipant(p *participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.participants[p.ssrc]; ok && cur == p {
		close(p.ch)
		delete(c.participants, p.ssrc)
	}
}

// emitEvent safely invokes the registered participant change callback.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// ─── participant ─────────────────────────────────────────────────────────────

// participant is the audio.Source of a single speaker. Its mutable fields are
// guarded by the owning Connection's mutex.
type participant struct {
	id   string
	ssrc uint32
	ch   chan audio.Chunk
	conv *audio.FormatConverter
	conn *Connection

	lastPacket time.Time
	filled     time.Duration
}

// Chunks implements [audio.Source].
func (p *participant) Chunks() <-chan audio.Chunk { return p.ch }

// Close implements [audio.Source]. It detaches the participant from the
// connection; the voice connection itself stays up.
func (p *participant) Close() error {
	p.conn.removeParticipant(p)
	return nil
}
