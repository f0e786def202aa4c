package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Each Play starts a send loop that pulls PCM
// frames from the source, converts them to 48 kHz stereo, encodes them to
// Opus and writes them to the voice connection's OpusSend channel, which
// discordgo paces at one packet per 20 ms.
//
// Connection is safe for concurrent use.
type Connection struct {
	guildID string

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	channelID string
	active    *stream
	closed    bool

	closeOnce sync.Once

	// join moves the underlying voice connection to another channel.
	// Set by the Platform; nil in tests.
	join func(ctx context.Context, channelID string) (*discordgo.VoiceConnection, error)

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// speaking sends the speaking flag. Defaults to vc.Speaking; overridden in tests.
	speaking func(bool) error
}

// stream is one running send loop.
type stream struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *stream) halt() {
	s.once.Do(func() { close(s.stop) })
}

// newConnection initialises a Connection for an already-joined voice channel.
func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	return &Connection{
		guildID:      guildID,
		vc:           vc,
		channelID:    channelID,
		disconnectVC: vc.Disconnect,
		speaking:     vc.Speaking,
	}
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// MoveTo implements [audio.Connection].
func (c *Connection) MoveTo(ctx context.Context, channelID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return audio.ErrNotConnected
	}
	if c.channelID == channelID {
		c.mu.Unlock()
		return nil
	}
	join := c.join
	c.mu.Unlock()

	if join == nil {
		return audio.ErrNotConnected
	}
	vc, err := join(ctx, channelID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.vc = vc
	c.channelID = channelID
	c.disconnectVC = vc.Disconnect
	c.speaking = vc.Speaking
	return nil
}

// Play implements [audio.Connection].
func (c *Connection) Play(src audio.Source, onComplete func(err error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return audio.ErrNotConnected
	}
	if c.active != nil {
		return audio.ErrAlreadyPlaying
	}

	s := &stream{stop: make(chan struct{}), done: make(chan struct{})}
	c.active = s
	go c.sendLoop(s, c.vc.OpusSend, c.speaking, src, onComplete)
	return nil
}

// Stop implements [audio.Connection]. It waits until the send loop has exited.
func (c *Connection) Stop() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.halt()
	<-s.done
}

// IsPlaying implements [audio.Connection].
func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// IsConnected implements [audio.Connection].
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Disconnect cleanly tears down the voice connection and stops the send loop.
// It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.Stop()

		c.mu.Lock()
		c.closed = true
		disconnect := c.disconnectVC
		c.mu.Unlock()

		if disconnect != nil {
			err = disconnect()
		}
	})
	return err
}

// sendLoop streams src until it is exhausted, fails, or s is halted. The
// trailing partial frame is zero-padded so the last packet is not lost.
func (c *Connection) sendLoop(s *stream, out chan []byte, speaking func(bool) error, src audio.Source, onComplete func(error)) {
	err := c.pump(s, out, speaking, src)

	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
	close(s.done)

	if onComplete != nil {
		onComplete(err)
	}
}

func (c *Connection) pump(s *stream, out chan []byte, speaking func(bool) error, src audio.Source) error {
	pk, err := newPacketizer(c.guildID)
	if err != nil {
		return err
	}
	conv := audio.FormatConverter{Target: audio.TransportFormat}

	setSpeaking(speaking, true)
	defer setSpeaking(speaking, false)

	// send reports false once the stream has been halted.
	send := func(packet []byte) bool {
		select {
		case out <- packet:
			return true
		case <-s.stop:
			return false
		}
	}

	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		frame, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			pk.flush(send)
			return nil
		}
		if err != nil {
			return err
		}

		if !pk.write(conv.Convert(frame).Data, send) {
			return nil
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func setSpeaking(speaking func(bool) error, b bool) {
	if speaking == nil {
		return
	}
	if err := speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "err", err)
	}
}
