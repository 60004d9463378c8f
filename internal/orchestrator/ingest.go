package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
)

const (
	// contactRetries bounds lookups after losing a contact-create race.
	contactRetries  = 3
	contactRetryGap = 5 * time.Millisecond
)

// ingest persists one inbound message and broadcasts it. Store errors are
// logged and the message is dropped.
func (o *Orchestrator) ingest(ctx context.Context, instanceID string, in connection.InboundMessage) IngestOutcome {
	log := o.instanceLog(instanceID).With().
		Str("address", in.ExternalAddress).
		Str("external_id", in.ExternalMessageID).
		Logger()

	if in.FromSelf {
		return SkippedSelf
	}
	if in.ExternalAddress == "" {
		log.Warn().Msg("inbound message without sender address dropped")
		return IngestFailed
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}

	if in.ExternalMessageID != "" {
		_, err := o.store.FindMessageByExternalID(ctx, instanceID, in.ExternalMessageID)
		if err == nil {
			log.Debug().Msg("duplicate delivery skipped")
			return DuplicateIngestion
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("dedup lookup failed, message dropped")
			return IngestFailed
		}
	}

	contact, err := o.resolveContact(ctx, instanceID, in)
	if err != nil {
		log.Error().Err(err).Msg("resolve contact failed, message dropped")
		return IngestFailed
	}

	if err := o.store.UpdateContactLastMessage(ctx, contact.ID, ts); err != nil {
		log.Error().Err(err).Msg("update contact failed, message dropped")
		return IngestFailed
	}

	msg := &models.Message{
		InstanceID: instanceID,
		ContactID:  contact.ID,
		Direction:  models.DirectionInbound,
		Body:       in.Body,
		Timestamp:  ts,
	}
	if in.ExternalMessageID != "" {
		id := in.ExternalMessageID
		msg.ExternalMessageID = &id
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Debug().Msg("duplicate delivery skipped")
			return DuplicateIngestion
		}
		log.Error().Err(err).Msg("insert message failed, message dropped")
		return IngestFailed
	}

	o.channel.Publish(broadcast.TopicMessageReceived, broadcast.MessageReceived{
		InstanceID: instanceID,
		ContactID:  contact.ID,
		Message:    msg,
	})
	return Ingested
}

// resolveContact finds or creates the contact for the sender. Losing a
// create race to a concurrent insert retries the lookup.
func (o *Orchestrator) resolveContact(ctx context.Context, instanceID string, in connection.InboundMessage) (*models.Contact, error) {
	var contact *models.Contact
	op := func() error {
		c, err := o.store.FindContact(ctx, instanceID, in.ExternalAddress)
		if err == nil {
			contact = c
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}

		c = &models.Contact{
			InstanceID:      instanceID,
			ExternalAddress: in.ExternalAddress,
			PhoneNumber:     models.PhoneFromAddress(in.ExternalAddress),
			DisplayName:     in.DisplayNameHint,
		}
		err = o.store.CreateContact(ctx, c)
		if err == nil {
			contact = c
			return nil
		}
		if errors.Is(err, store.ErrDuplicate) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(contactRetryGap), contactRetries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	if contact.DisplayName == "" && in.DisplayNameHint != "" {
		if err := o.store.UpdateContactDisplayName(ctx, contact.ID, in.DisplayNameHint); err != nil {
			logger := o.instanceLog(instanceID)
			logger.Warn().Err(err).Str("contact_id", contact.ID).Msg("update display name")
		} else {
			contact.DisplayName = in.DisplayNameHint
		}
	}
	return contact, nil
}
