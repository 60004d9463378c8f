// Package store is the durable persistence layer for instances, contacts,
// and messages, backed by GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/sealed"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("store: duplicate")
)

// InstanceFields are the optional columns written alongside a status
// transition. Nil pointers leave the column untouched.
type InstanceFields struct {
	PhoneNumber         *string
	LastConnectedAt     *time.Time
	LastPairingPayload  *string
	ClearPairingPayload bool
}

// Store implements the durable store over a GORM connection.
type Store struct {
	db     *gorm.DB
	sealer *sealed.Sealer
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB *gorm.DB
	// Sealer encodes session blobs. Defaults to compression only.
	Sealer *sealed.Sealer
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	s := opts.Sealer
	if s == nil {
		var err error
		s, err = sealed.New(sealed.Opts{})
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	return &Store{db: opts.DB, sealer: s}, nil
}

// DB exposes the underlying connection for read-side callers.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case db.IsDuplicateKey(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

// --- Instances ---

// CreateInstance inserts a new instance in status CREATED.
func (s *Store) CreateInstance(ctx context.Context, inst *models.Instance) error {
	if inst.Status == "" {
		inst.Status = models.StatusCreated
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("store: create instance: %w", classify(err))
	}
	return nil
}

// GetInstance loads an instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var inst models.Instance
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error; err != nil {
		return nil, fmt.Errorf("store: get instance %s: %w", id, classify(err))
	}
	return &inst, nil
}

// ListInstances returns instances, optionally restricted to the given statuses.
func (s *Store) ListInstances(ctx context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []models.Instance
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	return out, nil
}

// UpdateInstanceStatus persists a status transition together with any
// accompanying fields.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, fields InstanceFields) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if fields.PhoneNumber != nil {
		updates["phone_number"] = *fields.PhoneNumber
	}
	if fields.LastConnectedAt != nil {
		updates["last_connected_at"] = *fields.LastConnectedAt
	}
	if fields.LastPairingPayload != nil {
		updates["last_pairing_payload"] = *fields.LastPairingPayload
	}
	if fields.ClearPairingPayload {
		updates["last_pairing_payload"] = gorm.Expr("NULL")
	}

	result := s.db.WithContext(ctx).Model(&models.Instance{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update instance %s status: %w", id, result.Error)
	}
	return nil
}

// --- Session blobs ---

// SaveSession seals and persists an instance's credential blob.
func (s *Store) SaveSession(ctx context.Context, id string, blob []byte) error {
	sealedBlob, err := s.sealer.Seal(blob)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", id, err)
	}
	result := s.db.WithContext(ctx).Model(&models.Instance{}).Where("id = ?", id).
		Updates(map[string]interface{}{"session_blob": sealedBlob, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("store: save session %s: %w", id, result.Error)
	}
	return nil
}

// LoadSession returns the opened credential blob, or nil when none is stored.
func (s *Store) LoadSession(ctx context.Context, id string) ([]byte, error) {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.OpenSession(inst)
}

// OpenSession decodes the blob already loaded on inst.
func (s *Store) OpenSession(inst *models.Instance) ([]byte, error) {
	plain, err := s.sealer.Open(inst.SessionBlob)
	if err != nil {
		return nil, fmt.Errorf("store: open session %s: %w", inst.ID, err)
	}
	return plain, nil
}

// ClearSession drops the persisted credential blob so the next start pairs
// from scratch.
func (s *Store) ClearSession(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&models.Instance{}).Where("id = ?", id).
		Updates(map[string]interface{}{"session_blob": gorm.Expr("NULL"), "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("store: clear session %s: %w", id, result.Error)
	}
	return nil
}

// --- Contacts ---

// FindContact looks up a contact by its address within an instance.
func (s *Store) FindContact(ctx context.Context, instanceID, externalAddress string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND external_address = ?", instanceID, externalAddress).
		First(&c).Error
	if err != nil {
		return nil, fmt.Errorf("store: find contact %s/%s: %w", instanceID, externalAddress, classify(err))
	}
	return &c, nil
}

// GetContact loads a contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, fmt.Errorf("store: get contact %s: %w", id, classify(err))
	}
	return &c, nil
}

// CreateContact inserts a contact. A concurrent insert of the same
// (instance, address) pair fails with ErrDuplicate.
func (s *Store) CreateContact(ctx context.Context, c *models.Contact) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("store: create contact: %w", classify(err))
	}
	return nil
}

// UpdateContactLastMessage sets the contact's last activity timestamp.
func (s *Store) UpdateContactLastMessage(ctx context.Context, id string, ts time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Update("last_message_at", ts)
	if result.Error != nil {
		return fmt.Errorf("store: update contact %s last message: %w", id, result.Error)
	}
	return nil
}

// UpdateContactDisplayName sets the contact's display name.
func (s *Store) UpdateContactDisplayName(ctx context.Context, id, name string) error {
	result := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Update("display_name", name)
	if result.Error != nil {
		return fmt.Errorf("store: update contact %s display name: %w", id, result.Error)
	}
	return nil
}

// ListContacts returns an instance's contacts, most recently active first.
func (s *Store) ListContacts(ctx context.Context, instanceID string) ([]models.Contact, error) {
	var out []models.Contact
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("last_message_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	return out, nil
}

// --- Messages ---

// InsertMessage persists a message. A repeated (instance, external id) pair
// fails with ErrDuplicate.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("store: insert message: %w", classify(err))
	}
	return nil
}

// FindMessageByExternalID looks up a message by its network id.
func (s *Store) FindMessageByExternalID(ctx context.Context, instanceID, externalID string) (*models.Message, error) {
	var m models.Message
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND external_message_id = ?", instanceID, externalID).
		First(&m).Error
	if err != nil {
		return nil, fmt.Errorf("store: find message %s/%s: %w", instanceID, externalID, classify(err))
	}
	return &m, nil
}

// ListMessages returns a page of a conversation in chronological order.
func (s *Store) ListMessages(ctx context.Context, instanceID, contactID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []models.Message
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND contact_id = ?", instanceID, contactID).
		Order("timestamp ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}
