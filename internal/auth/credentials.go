// Package auth persists the account credentials and profile in the flat
// key-value area, beside the conversation index.
package auth

import (
	"context"
	"fmt"

	"github.com/vpires/chatstore/internal/storage"
)

const credentialsKey = "credentials"

// Profile is the user-visible account state.
type Profile struct {
	ScreenName string `json:"screenName,omitempty"`
	Status     string `json:"status,omitempty"`
	Photo      string `json:"photo,omitempty"`
	Thumb      string `json:"thumb,omitempty"`
}

// Credentials is everything needed to re-register with the protocol
// service after a restart.
type Credentials struct {
	UserID   string  `json:"userId"`
	Password string  `json:"password,omitempty"`
	MSISDN   string  `json:"msisdn,omitempty"`
	MCC      string  `json:"mcc,omitempty"`
	MNC      string  `json:"mnc,omitempty"`
	Profile  Profile `json:"profile"`
}

// Store reads and writes credentials.
type Store struct {
	kv *storage.KV
}

// NewStore creates a credentials store over the key-value area.
func NewStore(kv *storage.KV) *Store {
	return &Store{kv: kv}
}

// Save persists the credentials, replacing any previous set.
func (s *Store) Save(ctx context.Context, c *Credentials) error {
	if c == nil || c.UserID == "" {
		return fmt.Errorf("credentials need a user id")
	}
	return s.kv.Put(ctx, credentialsKey, c)
}

// Load returns the stored credentials, or nil when none are stored.
func (s *Store) Load(ctx context.Context) (*Credentials, error) {
	var c Credentials
	ok, err := s.kv.Get(ctx, credentialsKey, &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// UpdateProfile merges profile changes into the stored credentials.
// Without stored credentials it is a no-op.
func (s *Store) UpdateProfile(ctx context.Context, p Profile) error {
	c, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	if p.ScreenName != "" {
		c.Profile.ScreenName = p.ScreenName
	}
	if p.Status != "" {
		c.Profile.Status = p.Status
	}
	if p.Photo != "" {
		c.Profile.Photo = p.Photo
	}
	if p.Thumb != "" {
		c.Profile.Thumb = p.Thumb
	}
	return s.kv.Put(ctx, credentialsKey, c)
}

// Clear removes the stored credentials. Absent credentials are a no-op.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, credentialsKey)
}
