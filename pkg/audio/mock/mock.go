// Package mock provides in-memory mock implementations of the [audio.Platform],
// [audio.Connection], [audio.Preparer] and [audio.Source] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Playback never ends on its own. Tests drive completion explicitly:
//
//	platform := &mock.Platform{}
//	conn, _ := platform.Connect(ctx, "guild-1", "voice-1")
//	// ... scheduler calls conn.Play(src, onComplete) ...
//	platform.Connections()[0].Finish(nil) // source exhausted
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/bardic/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// PlayCall records a single accepted [Connection.Play] invocation.
type PlayCall struct {
	// Source is the source handed to Play.
	Source audio.Source

	// ChannelID is the channel the connection sat in when Play was called.
	ChannelID string
}

// Connection is a mock implementation of [audio.Connection].
// Set the exported error fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// Guild and Channel identify where the connection lives. Channel is
	// updated by successful MoveTo calls.
	Guild   string
	Channel string

	// PlayError is returned by [Connection.Play] when non-nil.
	PlayError error

	// MoveError is returned by [Connection.MoveTo] when non-nil.
	MoveError error

	// DisconnectError is returned by the first [Connection.Disconnect].
	DisconnectError error

	// PlayCalls records every accepted Play invocation in order.
	PlayCalls []PlayCall

	// MoveCalls records the channel argument of every MoveTo call.
	MoveCalls []string

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	active       func(error)
	disconnected bool
}

// NewConnection returns a connected mock sitting in channelID of guildID.
func NewConnection(guildID, channelID string) *Connection {
	return &Connection{Guild: guildID, Channel: channelID}
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Guild
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// MoveTo implements [audio.Connection]. Records the call and switches Channel
// unless MoveError is set.
func (c *Connection) MoveTo(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MoveCalls = append(c.MoveCalls, channelID)
	if c.MoveError != nil {
		return c.MoveError
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.disconnected {
		return audio.ErrNotConnected
	}
	c.Channel = channelID
	return nil
}

// Play implements [audio.Connection]. The source is recorded and stays active
// until [Connection.Finish] or [Connection.Stop] is called.
func (c *Connection) Play(src audio.Source, onComplete func(err error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return audio.ErrNotConnected
	}
	if c.PlayError != nil {
		return c.PlayError
	}
	if c.active != nil {
		return audio.ErrAlreadyPlaying
	}
	c.PlayCalls = append(c.PlayCalls, PlayCall{Source: src, ChannelID: c.Channel})
	c.active = onComplete
	return nil
}

// Finish simulates the active source ending with err. It reports whether a
// source was active.
func (c *Connection) Finish(err error) bool {
	c.mu.Lock()
	cb := c.active
	c.active = nil
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(err)
	return true
}

// Stop implements [audio.Connection]. The active completion callback, if any,
// fires with a nil error before Stop returns.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.CallCountStop++
	cb := c.active
	c.active = nil
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
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
	return !c.disconnected
}

// Disconnect implements [audio.Connection]. An active source is stopped first.
func (c *Connection) Disconnect() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	return c.DisconnectError
}

// Drop marks the connection as lost without going through Disconnect, the
// way a kick or a network failure would.
func (c *Connection) Drop() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

// Plays returns a copy of the recorded Play calls.
func (c *Connection) Plays() []PlayCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PlayCall, len(c.PlayCalls))
	copy(out, c.PlayCalls)
	return out
}

// StopCount returns how many times Stop was called.
func (c *Connection) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStop
}

// DisconnectCount returns how many times Disconnect was called.
func (c *Connection) DisconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// GuildID is the guildID argument passed to Connect.
	GuildID string
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect when non-nil. Otherwise a fresh
	// [Connection] is created for every successful call.
	ConnectResult *Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// Block makes Connect wait until its context is done and return the
	// context error, simulating a join that never completes.
	Block bool

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	conns []*Connection
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	block := p.Block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	conn := p.ConnectResult
	if conn == nil {
		conn = NewConnection(guildID, channelID)
	}
	p.conns = append(p.conns, conn)
	return conn, nil
}

// Connections returns every connection handed out so far, oldest first.
func (p *Platform) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.conns))
	copy(out, p.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (p *Platform) Last() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// ConnectCount returns the number of Connect invocations.
func (p *Platform) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// ─── Preparer ─────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] that yields no frames.
type Source struct {
	mu sync.Mutex

	// Path is the file the source was prepared from.
	Path string

	closes int
}

// ReadFrame implements [audio.Source]. It always returns io.EOF.
func (s *Source) ReadFrame() (audio.Frame, error) {
	return audio.Frame{}, io.EOF
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Closed reports how many times Close was called.
func (s *Source) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Preparer is a mock implementation of [audio.Preparer].
type Preparer struct {
	mu sync.Mutex

	// Fail maps a path to the error Prepare returns for it.
	Fail map[string]error

	// Calls records every path passed to Prepare.
	Calls []string

	// Sources holds every source handed out, in order.
	Sources []*Source
}

// Prepare implements [audio.Preparer].
func (p *Preparer) Prepare(_ context.Context, path string) (audio.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, path)
	if err, ok := p.Fail[path]; ok {
		return nil, err
	}
	src := &Source{Path: path}
	p.Sources = append(p.Sources, src)
	return src, nil
}

// SetFail makes future Prepare calls for path return err.
func (p *Preparer) SetFail(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail == nil {
		p.Fail = make(map[string]error)
	}
	p.Fail[path] = err
}

// Prepared returns a copy of the recorded Prepare paths.
func (p *Preparer) Prepared() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	copy(out, p.Calls)
	return out
}
