// Package slack implements a connection Capability over Slack Socket Mode.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/connection"
)

const (
	// Platform is the registry name for this capability.
	Platform = "slack"
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event   { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Credentials is the session blob persisted for a Slack instance.
type Credentials struct {
	AppToken string `json:"app_token"`
	BotToken string `json:"bot_token"`
}

// Capability is one instance's Slack Socket Mode connection.
type Capability struct {
	client      slackClient
	socket      socketClient
	creds       Credentials
	instanceID  string
	saveSession func(ctx context.Context, blob []byte) error
	persist     bool
	stream      *connection.Stream
	log         zerolog.Logger

	mu           sync.Mutex
	botUserID    string
	started      bool
	terminated   bool
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// Opts holds parameters for creating a Slack Capability.
type Opts struct {
	InstanceID string
	AppToken   string // xapp-... app-level token for Socket Mode
	BotToken   string // xoxb-... bot token
	// PersistTokens saves the tokens through SaveSession after a successful auth test.
	PersistTokens bool
	SaveSession   func(ctx context.Context, blob []byte) error
	Buffer        int
	Logger        *zerolog.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Capability. Missing tokens are reported by Initialize
// as an auth failure.
func New(opts Opts) (*Capability, error) {
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("slack: instance id is required")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Capability{
		client:       opts.Client,
		socket:       opts.Socket,
		creds:        Credentials{AppToken: opts.AppToken, BotToken: opts.BotToken},
		instanceID:   opts.InstanceID,
		saveSession:  opts.SaveSession,
		persist:      opts.PersistTokens,
		stream:       connection.NewStream(opts.Buffer),
		log:          log.With().Str("platform", Platform).Str("instance_id", opts.InstanceID).Logger(),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// NewDialer returns a connection.Dialer for Slack. Instances without a stored
// session use the default tokens, which are persisted after the first
// successful auth test.
func NewDialer(defaults Credentials, log zerolog.Logger) connection.Dialer {
	return connection.DialerFunc(func(ctx context.Context, scope connection.Scope) (connection.Capability, error) {
		creds := defaults
		persist := false
		if len(scope.Session) > 0 {
			if err := json.Unmarshal(scope.Session, &creds); err != nil {
				return nil, fmt.Errorf("slack: decode session: %w", err)
			}
		} else {
			persist = creds.AppToken != "" && creds.BotToken != ""
		}
		return New(Opts{
			InstanceID:    scope.InstanceID,
			AppToken:      creds.AppToken,
			BotToken:      creds.BotToken,
			PersistTokens: persist,
			SaveSession:   scope.SaveSession,
			Buffer:        scope.Buffer,
			Logger:        &log,
		})
	})
}

// Initialize verifies the bot token and starts the Socket Mode pump.
func (c *Capability) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return fmt.Errorf("slack: capability already terminated")
	}
	if c.started {
		return nil
	}

	if c.client == nil {
		if c.creds.BotToken == "" || c.creds.AppToken == "" {
			c.stream.Emit(connection.AuthFailed{Reason: "bot and app tokens are required"})
			return nil
		}
		api := slackapi.New(c.creds.BotToken, slackapi.OptionAppLevelToken(c.creds.AppToken))
		c.client = api
		c.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := c.client.AuthTest()
	if err != nil {
		if isAuthError(err) {
			c.stream.Emit(connection.AuthFailed{Reason: err.Error()})
			return nil
		}
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.log.Info().Str("bot_id", auth.UserID).Str("team", auth.Team).Msg("authenticated")

	if c.persist && c.saveSession != nil {
		blob, _ := json.Marshal(c.creds)
		if err := c.saveSession(ctx, blob); err != nil {
			c.log.Error().Err(err).Msg("persist session")
		}
		c.persist = false
	}

	c.stream.Emit(connection.Authenticated{})
	c.stream.Emit(connection.Ready{Identity: auth.UserID})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancelFunc = cancel
	c.started = true

	go c.runWithReconnect(runCtx)
	go c.pumpEvents(runCtx)
	return nil
}

// SendText posts body to the channel recipient. The returned id is
// "<channel>:<ts>", the same shape inbound messages carry.
func (c *Capability) SendText(ctx context.Context, recipient, body string) (string, error) {
	c.mu.Lock()
	if !c.started || c.terminated {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: slack: not connected", connection.ErrSendFailed)
	}
	c.mu.Unlock()

	if recipient == "" {
		return "", fmt.Errorf("%w: slack: no channel specified", connection.ErrSendFailed)
	}

	var channel, ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		channel, ts, postErr = c.client.PostMessage(recipient, slackapi.MsgOptionText(body, false))
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: slack: %v", connection.ErrSendFailed, err)
	}
	return messageID(channel, ts), nil
}

// Terminate stops the Socket Mode pump and closes the event stream.
func (c *Capability) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil
	}
	c.terminated = true
	c.started = false
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.stream.Close()
	return nil
}

// Events returns the ordered event stream.
func (c *Capability) Events() <-chan connection.Event {
	return c.stream.Events()
}

// BotUserID returns the bot's Slack user ID (available after Initialize).
func (c *Capability) BotUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when it drops. Exhausting the retries reports a disconnect.
func (c *Capability) runWithReconnect(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxReconnect)), ctx)

	err := backoff.RetryNotify(func() error {
		runErr := c.socket.RunContext(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if runErr == nil {
			runErr = errors.New("socket mode closed")
		}
		return runErr
	}, policy, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("wait", wait).Msg("socket mode disconnected, reconnecting")
	})

	if ctx.Err() != nil {
		return
	}
	c.log.Error().Err(err).Int("attempts", c.maxReconnect).Msg("socket mode gave up reconnecting")
	c.stream.Emit(connection.Disconnected{Reason: fmt.Sprintf("socket mode: %v", err)})
}

// pumpEvents reads Socket Mode events and converts them to capability events.
func (c *Capability) pumpEvents(ctx context.Context) {
	events := c.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (c *Capability) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		c.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		c.log.Debug().Msg("connecting to socket mode")

	case socketmode.EventTypeConnected:
		c.log.Info().Msg("connected to socket mode")

	case socketmode.EventTypeConnectionError:
		c.log.Warn().Interface("data", evt.Data).Msg("connection error")

	case socketmode.EventTypeDisconnect:
		c.log.Info().Msg("server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (c *Capability) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Edits, deletes, joins and the like carry a subtype.
		if ev.SubType != "" {
			return
		}
		c.emitMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.BotID != "")
	case *slackevents.AppMentionEvent:
		// Mentions also arrive as message events; the shared id lets
		// ingestion drop the second copy.
		c.emitMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.BotID != "")
	}
}

func (c *Capability) emitMessage(channel, user, text, ts string, fromBot bool) {
	c.mu.Lock()
	botID := c.botUserID
	c.mu.Unlock()

	c.stream.Emit(connection.MessageReceived{Message: connection.InboundMessage{
		ExternalAddress:   channel,
		Body:              text,
		DisplayNameHint:   c.resolveUserName(user),
		ExternalMessageID: messageID(channel, ts),
		Timestamp:         parseSlackTimestamp(ts),
		FromSelf:          user == botID || fromBot,
	}})
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (c *Capability) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := c.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

func messageID(channel, ts string) string {
	return channel + ":" + ts
}

// isAuthError reports whether a Slack API error means the tokens are unusable.
func isAuthError(err error) bool {
	msg := err.Error()
	for _, code := range []string{"invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		usec, _ = strconv.ParseInt(fracPart, 10, 64)
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}
