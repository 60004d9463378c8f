// Package discord implements a connection Capability over the Discord Gateway WebSocket.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/connection"
)

const (
	// Platform is the registry name for this capability.
	Platform = "discord"
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Credentials is the session blob persisted for a Discord instance.
type Credentials struct {
	Token string `json:"token"`
}

// Capability is one instance's Discord bot connection.
type Capability struct {
	sess        session
	token       string
	instanceID  string
	saveSession func(ctx context.Context, blob []byte) error
	persist     bool
	stream      *connection.Stream
	log         zerolog.Logger

	mu          sync.Mutex
	botUserID   string
	opened      bool
	terminated  bool
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord Capability.
type Opts struct {
	InstanceID string
	Token      string // bot token, without the "Bot " prefix
	// PersistToken saves Token through SaveSession once the gateway is ready.
	PersistToken bool
	SaveSession  func(ctx context.Context, blob []byte) error
	Buffer       int
	Logger       *zerolog.Logger
	// For testing: inject a mock session instead of the real gateway.
	Session session
}

// New creates a Discord Capability. A missing token is not an error here;
// Initialize reports it as an auth failure.
func New(opts Opts) (*Capability, error) {
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("discord: instance id is required")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Capability{
		sess:        opts.Session,
		token:       opts.Token,
		instanceID:  opts.InstanceID,
		saveSession: opts.SaveSession,
		persist:     opts.PersistToken,
		stream:      connection.NewStream(opts.Buffer),
		log:         log.With().Str("platform", Platform).Str("instance_id", opts.InstanceID).Logger(),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// NewDialer returns a connection.Dialer for Discord. Instances without a
// stored session fall back to defaultToken, which is persisted on first ready.
func NewDialer(defaultToken string, log zerolog.Logger) connection.Dialer {
	return connection.DialerFunc(func(ctx context.Context, scope connection.Scope) (connection.Capability, error) {
		token := defaultToken
		persist := false
		if len(scope.Session) > 0 {
			var creds Credentials
			if err := json.Unmarshal(scope.Session, &creds); err != nil {
				return nil, fmt.Errorf("discord: decode session: %w", err)
			}
			token = creds.Token
		} else {
			persist = token != ""
		}
		return New(Opts{
			InstanceID:   scope.InstanceID,
			Token:        token,
			PersistToken: persist,
			SaveSession:  scope.SaveSession,
			Buffer:       scope.Buffer,
			Logger:       &log,
		})
	})
}

// Initialize opens the gateway connection. Gateway events are delivered
// synchronously so the event stream preserves their order.
func (c *Capability) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return fmt.Errorf("discord: capability already terminated")
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}

	if c.sess == nil {
		if c.token == "" {
			c.mu.Unlock()
			c.stream.Emit(connection.AuthFailed{Reason: "no bot token configured"})
			return nil
		}
		dg, err := discordgo.New("Bot " + c.token)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.SyncEvents = true
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		c.sess = &realSession{s: dg}
	}

	c.removers = append(c.removers,
		c.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			c.handleReady(r)
		}),
		c.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			c.log.Warn().Msg("gateway disconnected")
			c.stream.Emit(connection.Disconnected{Reason: "gateway closed"})
		}),
		c.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			c.log.Info().Msg("gateway session resumed")
		}),
		c.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			c.handleMessage(m)
		}),
	)
	c.opened = true
	sess := c.sess
	c.mu.Unlock()

	// Open dispatches READY before returning, so the lock must not be held.
	if err := sess.Open(); err != nil {
		c.mu.Lock()
		c.opened = false
		c.mu.Unlock()
		if isAuthError(err) {
			c.stream.Emit(connection.AuthFailed{Reason: err.Error()})
			return nil
		}
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

// SendText posts body to the channel recipient and returns the message id.
func (c *Capability) SendText(ctx context.Context, recipient, body string) (string, error) {
	c.mu.Lock()
	if !c.opened || c.terminated {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: discord: not connected", connection.ErrSendFailed)
	}
	c.mu.Unlock()

	if recipient == "" {
		return "", fmt.Errorf("%w: discord: no channel specified", connection.ErrSendFailed)
	}

	var msg *discordgo.Message
	err := c.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msg, apiErr = c.sess.ChannelMessageSend(recipient, body)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: discord: %v", connection.ErrSendFailed, err)
	}
	return msg.ID, nil
}

// Terminate closes the gateway and the event stream.
func (c *Capability) Terminate() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	removers := c.removers
	c.removers = nil
	sess := c.sess
	opened := c.opened
	c.opened = false
	c.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	c.stream.Close()
	if sess != nil && opened {
		if err := sess.Close(); err != nil {
			return fmt.Errorf("discord: close gateway: %w", err)
		}
	}
	return nil
}

// Events returns the ordered event stream.
func (c *Capability) Events() <-chan connection.Event {
	return c.stream.Events()
}

// BotUserID returns the bot's Discord user ID once the gateway is ready.
func (c *Capability) BotUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botUserID
}

func (c *Capability) handleReady(r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	c.mu.Lock()
	c.botUserID = r.User.ID
	persist := c.persist
	c.persist = false
	c.mu.Unlock()

	c.log.Info().Str("bot", r.User.Username).Str("bot_id", r.User.ID).Msg("gateway ready")

	if persist && c.saveSession != nil {
		blob, _ := json.Marshal(Credentials{Token: c.token})
		if err := c.saveSession(context.Background(), blob); err != nil {
			c.log.Error().Err(err).Msg("persist session")
		}
	}

	c.stream.Emit(connection.Authenticated{})
	c.stream.Emit(connection.Ready{Identity: r.User.ID})
}

// handleMessage converts a Discord message event. The channel is the
// counterparty address so replies land in the same conversation.
func (c *Capability) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	c.mu.Lock()
	botID := c.botUserID
	c.mu.Unlock()

	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	c.stream.Emit(connection.MessageReceived{Message: connection.InboundMessage{
		ExternalAddress:   m.ChannelID,
		Body:              m.Content,
		DisplayNameHint:   displayName(m.Author),
		ExternalMessageID: m.ID,
		Timestamp:         ts,
		FromSelf:          m.Author.ID == botID || m.Author.Bot,
	}})
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// closeAuthenticationFailed is the gateway close code for an invalid token.
const closeAuthenticationFailed = 4004

// isAuthError reports whether err is Discord rejecting the token, either on
// the REST gateway lookup or as a gateway close frame.
func isAuthError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		return restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == closeAuthenticationFailed
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (c *Capability) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}

		c.log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
