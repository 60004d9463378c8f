// Package orchestrator manages the live connections of all instances: it
// starts and stops them, drives each one's lifecycle from its events,
// ingests inbound messages, and sends outbound ones.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
)

// DefaultStopTimeout bounds how long Stop waits for a connection to terminate.
const DefaultStopTimeout = 10 * time.Second

// Store is the durable storage the orchestrator reads and writes.
type Store interface {
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, fields store.InstanceFields) error

	OpenSession(inst *models.Instance) ([]byte, error)
	SaveSession(ctx context.Context, id string, blob []byte) error
	ClearSession(ctx context.Context, id string) error

	FindContact(ctx context.Context, instanceID, externalAddress string) (*models.Contact, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	CreateContact(ctx context.Context, c *models.Contact) error
	UpdateContactLastMessage(ctx context.Context, id string, ts time.Time) error
	UpdateContactDisplayName(ctx context.Context, id, name string) error

	InsertMessage(ctx context.Context, m *models.Message) error
	FindMessageByExternalID(ctx context.Context, instanceID, externalID string) (*models.Message, error)
}

// Dialer builds capabilities; *connection.Registry satisfies it.
type Dialer interface {
	Dial(ctx context.Context, scope connection.Scope) (connection.Capability, error)
}

// Orchestrator owns the registry of active connections.
type Orchestrator struct {
	store       Store
	dialer      Dialer
	channel     broadcast.Channel
	log         zerolog.Logger
	stopTimeout time.Duration
	eventBuffer int
	now         func() time.Time

	reg *registry

	// baseCtx parents every worker; cancelled by Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	cronMu   sync.Mutex
	stopCron func()
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Store   Store
	Dialer  Dialer
	Channel broadcast.Channel
	Logger  *zerolog.Logger
	// StopTimeout bounds Terminate during Stop and Close. Defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	// EventBuffer is passed to capabilities as their event buffer size.
	EventBuffer int
	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("orchestrator: dialer is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("orchestrator: channel is required")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       opts.Store,
		dialer:      opts.Dialer,
		channel:     opts.Channel,
		log:         log.With().Str("component", "orchestrator").Logger(),
		stopTimeout: timeout,
		eventBuffer: opts.EventBuffer,
		now:         now,
		reg:         newRegistry(),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}, nil
}

// Start connects an instance. Starting an instance that is already active
// is a no-op. The first status change is persisted when the connection
// reports its first lifecycle event, not here.
func (o *Orchestrator) Start(ctx context.Context, instanceID string) error {
	if err := o.baseCtx.Err(); err != nil {
		return fmt.Errorf("orchestrator: closed")
	}

	unlock := o.reg.lock(instanceID)
	if o.reg.get(instanceID) != nil {
		unlock()
		return nil
	}

	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return fmt.Errorf("orchestrator: start %s: %w", instanceID, err)
	}

	log := o.instanceLog(instanceID)
	session, err := o.store.OpenSession(inst)
	if err != nil {
		// An unreadable blob is as good as none: pair again.
		log.Warn().Err(err).Msg("discarding unreadable session")
		session = nil
	}

	capability, err := o.dialer.Dial(ctx, connection.Scope{
		InstanceID: instanceID,
		Platform:   inst.Platform,
		Session:    session,
		SaveSession: func(ctx context.Context, blob []byte) error {
			return o.store.SaveSession(ctx, instanceID, blob)
		},
		Buffer: o.eventBuffer,
	})
	if err != nil {
		unlock()
		return fmt.Errorf("orchestrator: start %s: %w", instanceID, err)
	}

	workerCtx, cancel := context.WithCancel(o.baseCtx)
	ac := &activeConnection{
		instanceID:   instanceID,
		capability:   capability,
		registeredAt: o.now(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if !o.reg.put(ac) {
		unlock()
		cancel()
		o.terminate(ac)
		return fmt.Errorf("orchestrator: closed")
	}
	go o.run(workerCtx, ac)
	unlock()

	log.Info().Str("platform", inst.Platform).Bool("has_session", session != nil).Msg("starting connection")

	if err := capability.Initialize(ctx); err != nil {
		relock := o.reg.lock(instanceID)
		if o.reg.remove(ac) {
			ac.cancel()
			go o.terminate(ac)
		}
		relock()
		return fmt.Errorf("orchestrator: start %s: initialize: %w", instanceID, err)
	}
	return nil
}

// Stop disconnects an instance and persists DISCONNECTED. Stopping an
// inactive instance is a no-op. The registry entry is removed even if the
// connection fails to terminate within the stop timeout.
func (o *Orchestrator) Stop(ctx context.Context, instanceID string) error {
	unlock := o.reg.lock(instanceID)
	defer unlock()

	ac := o.reg.get(instanceID)
	if ac == nil {
		return nil
	}
	o.reg.remove(ac)
	ac.cancel()
	o.terminate(ac)

	if err := o.store.UpdateInstanceStatus(ctx, instanceID, models.StatusDisconnected, store.InstanceFields{}); err != nil {
		return fmt.Errorf("%w: stop %s: %w", ErrPersistenceFailed, instanceID, err)
	}
	o.channel.Publish(broadcast.TopicInstanceStatus, broadcast.InstanceStatus{
		InstanceID: instanceID,
		Status:     models.StatusDisconnected,
	})
	logger := o.instanceLog(instanceID)
	logger.Info().Dur("uptime", o.now().Sub(ac.registeredAt)).Msg("stopped")
	return nil
}

// Send delivers body to a contact over the instance's live connection and
// records it as an outbound message. A PersistenceFailed error means the
// message may have been delivered anyway.
func (o *Orchestrator) Send(ctx context.Context, instanceID, contactID, body string) (*models.Message, error) {
	ac := o.reg.get(instanceID)
	if ac == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotActive, instanceID)
	}

	contact, err := o.store.GetContact(ctx, contactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContactNotFound, contactID)
		}
		return nil, fmt.Errorf("orchestrator: send: %w", err)
	}
	if contact.InstanceID != instanceID {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, contactID)
	}

	externalID, err := ac.capability.SendText(ctx, contact.ExternalAddress, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	msg := &models.Message{
		InstanceID:     instanceID,
		ContactID:      contact.ID,
		Direction:      models.DirectionOutbound,
		Body:           body,
		SentByOperator: true,
		Timestamp:      o.now(),
	}
	if externalID != "" {
		msg.ExternalMessageID = &externalID
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		logger := o.instanceLog(instanceID)
		logger.Error().Err(err).Str("external_id", externalID).Msg("sent message not recorded")
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return msg, nil
}

// ListActive returns a snapshot of the active instance ids, sorted.
func (o *Orchestrator) ListActive() []string {
	return o.reg.ids()
}

// IsActive reports whether instanceID has a live connection.
func (o *Orchestrator) IsActive(instanceID string) bool {
	return o.reg.get(instanceID) != nil
}

// StartAll starts every instance that was pairing or connected when the
// process last ran.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	instances, err := o.store.ListInstances(ctx, models.StatusConnected, models.StatusPairingPending)
	if err != nil {
		return fmt.Errorf("orchestrator: autostart: %w", err)
	}
	var errs []error
	for _, inst := range instances {
		if err := o.Start(ctx, inst.ID); err != nil {
			logger := o.instanceLog(inst.ID)
			logger.Error().Err(err).Msg("autostart failed")
			errs = append(errs, err)
		}
	}
	o.log.Info().Int("instances", len(instances)).Int("failed", len(errs)).Msg("autostart complete")
	return errors.Join(errs...)
}

// Close terminates every active connection without persisting any status,
// so the same instances are picked up by StartAll on the next run. It
// returns once every event worker has exited. Start fails after Close.
func (o *Orchestrator) Close() error {
	o.baseCancel()

	o.cronMu.Lock()
	if o.stopCron != nil {
		o.stopCron()
		o.stopCron = nil
	}
	o.cronMu.Unlock()

	var wg sync.WaitGroup
	for _, id := range o.reg.close() {
		unlock := o.reg.lock(id)
		ac := o.reg.get(id)
		if ac != nil {
			o.reg.remove(ac)
			ac.cancel()
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.terminate(ac)
				<-ac.done
			}()
		}
		unlock()
	}
	wg.Wait()
	return nil
}

// run consumes one connection's events in order until the connection is
// released or the orchestrator closes.
func (o *Orchestrator) run(ctx context.Context, ac *activeConnection) {
	defer close(ac.done)
	events := ac.capability.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				o.handle(ctx, ac, connection.Disconnected{Reason: "event stream closed"})
				return
			}
			o.handle(ctx, ac, ev)
		}
	}
}

// handle applies one event under the instance lock. Events for a connection
// that has since been stopped or replaced are dropped.
func (o *Orchestrator) handle(ctx context.Context, ac *activeConnection, ev connection.Event) {
	unlock := o.reg.lock(ac.instanceID)
	defer unlock()
	if ctx.Err() != nil || o.reg.get(ac.instanceID) != ac {
		return
	}

	log := o.instanceLog(ac.instanceID)
	plan := Project(ac.instanceID, ac.status, ev, o.now())
	if plan.Note != "" {
		log.Info().Str("event", ev.Kind()).Msg(plan.Note)
	} else {
		log.Debug().Str("event", ev.Kind()).Msg("event")
	}
	o.apply(ctx, ac, plan)
}

// apply executes a plan's side effects in order. A failed status write
// drops the rest of the event, except that a release still happens.
func (o *Orchestrator) apply(ctx context.Context, ac *activeConnection, plan Plan) {
	log := o.instanceLog(ac.instanceID)
	defer func() {
		if plan.Release && o.reg.remove(ac) {
			ac.cancel()
			go o.terminate(ac)
		}
	}()

	for _, w := range plan.Writes {
		if err := o.store.UpdateInstanceStatus(ctx, ac.instanceID, w.Status, w.Fields); err != nil {
			log.Error().Err(err).Str("status", string(w.Status)).Msg("persist status")
			return
		}
		ac.status = w.Status
	}

	if plan.ClearSession {
		if err := o.store.ClearSession(ctx, ac.instanceID); err != nil {
			log.Error().Err(err).Msg("clear session")
		}
	}

	if plan.Ingest != nil {
		o.ingest(ctx, ac.instanceID, *plan.Ingest)
	}

	for _, b := range plan.Broadcasts {
		o.channel.Publish(b.Topic, b.Payload)
	}
}

// terminate calls Terminate and gives up after the stop timeout. A hung
// capability is abandoned.
func (o *Orchestrator) terminate(ac *activeConnection) {
	done := make(chan error, 1)
	go func() { done <- ac.capability.Terminate() }()

	timer := time.NewTimer(o.stopTimeout)
	defer timer.Stop()

	log := o.instanceLog(ac.instanceID)
	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Msg("terminate failed")
		}
	case <-timer.C:
		log.Warn().Dur("timeout", o.stopTimeout).Msg("terminate timed out, abandoning connection")
	}
}

func (o *Orchestrator) instanceLog(instanceID string) zerolog.Logger {
	return o.log.With().Str("instance_id", instanceID).Logger()
}
