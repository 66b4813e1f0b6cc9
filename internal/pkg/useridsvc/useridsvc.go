// Package useridsvc manages the userid collection: nonce issuance,
// challenge verification under invariant I3, and the queries KeyService
// needs. Built in the idiom of the teacher's mailverifier.MailVerifier —
// a small struct holding a store reference and exposing narrow verbs —
// without that type's submission-checklist shape, which doesn't fit a
// state machine with its own verbs.
package useridsvc

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/openkeysrv/keyserver/internal/pkg/domain"
	"github.com/openkeysrv/keyserver/internal/pkg/store"
)

// Service implements spec §4.4.
type Service struct {
	store *store.Store
}

// New builds a Service backed by s.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

func naturalKey(keyID, email string) string { return keyID + "|" + email }

// Batch assigns each draft a fresh nonce and keyID, sets verified=false, and
// persists them together. A google/uuid v4 nonce supplies 122 bits of
// randomness, satisfying spec §4.4's entropy requirement directly (the
// teacher's own generateToken — an MD5 digest of a symmetrically encrypted
// serialization of the submitted key — hashes public, attacker-known
// material and does not actually meet that bar).
func (s *Service) Batch(keyID string, drafts []domain.UserIdBinding) ([]domain.UserIdBinding, error) {
	enriched := make([]domain.UserIdBinding, len(drafts))
	docs := make(map[string]interface{}, len(drafts))

	for i, d := range drafts {
		b := domain.UserIdBinding{
			KeyID:    keyID,
			Email:    d.Email,
			Name:     d.Name,
			Nonce:    uuid.NewString(),
			Verified: false,
		}
		enriched[i] = b
		docs[naturalKey(keyID, b.Email)] = b
	}

	if err := s.store.BatchInsert(store.KindUserID, docs); err != nil {
		return nil, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	return enriched, nil
}

// Verify locates the binding by (keyId, nonce) and, if found, commits the
// I3-preserving verified transition. Returns apierr.ErrNotFound if the
// nonce is unknown or was already consumed.
func (s *Service) Verify(keyID, nonce string) (domain.UserIdBinding, error) {
	b, err := s.store.VerifyUserID(keyID, nonce)
	if errors.Is(err, store.ErrNotFound) {
		return domain.UserIdBinding{}, apierr.ErrNotFound
	}
	if err != nil {
		return domain.UserIdBinding{}, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	return b, nil
}

// GetVerified returns the first verified binding matching keyID (if given),
// else the first verified binding matching any of emails in order, else nil.
func (s *Service) GetVerified(keyID string, emails []string) (*domain.UserIdBinding, error) {
	if keyID != "" {
		b, ok, err := s.getOne(store.Query{"keyId": keyID, "verified": true})
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
	}
	for _, email := range emails {
		b, ok, err := s.getOne(store.Query{"email": email, "verified": true})
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
	}
	return nil, nil
}

func (s *Service) getOne(q store.Query) (*domain.UserIdBinding, bool, error) {
	doc, ok, err := s.store.Get(store.KindUserID, q)
	if err != nil {
		return nil, false, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	if !ok {
		return nil, false, nil
	}
	var b domain.UserIdBinding
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return nil, false, apierr.Wrap(apierr.ErrInternal, err)
	}
	return &b, true, nil
}

// List returns every binding for keyID, in no particular order.
func (s *Service) List(keyID string) ([]domain.UserIdBinding, error) {
	docs, err := s.store.List(store.KindUserID, store.Query{"keyId": keyID})
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	bindings := make([]domain.UserIdBinding, 0, len(docs))
	for _, doc := range docs {
		var b domain.UserIdBinding
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, apierr.Wrap(apierr.ErrInternal, err)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// ListByEmail returns every binding for email across all keys.
func (s *Service) ListByEmail(email string) ([]domain.UserIdBinding, error) {
	docs, err := s.store.List(store.KindUserID, store.Query{"email": email})
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	bindings := make([]domain.UserIdBinding, 0, len(docs))
	for _, doc := range docs {
		var b domain.UserIdBinding
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, apierr.Wrap(apierr.ErrInternal, err)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// Reissue assigns binding (keyID, email) a fresh nonce and clears verified,
// used by KeyService.RequestRemove to start the removal challenge.
func (s *Service) Reissue(keyID, email string) (string, error) {
	nonce := uuid.NewString()
	err := s.store.Update(store.KindUserID, store.Query{"keyId": keyID, "email": email}, map[string]interface{}{
		"nonce":    nonce,
		"verified": false,
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", apierr.ErrNotFound
	}
	if err != nil {
		return "", apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	return nonce, nil
}

// Remove deletes every binding for keyID.
func (s *Service) Remove(keyID string) error {
	if err := s.store.Remove(store.KindUserID, store.Query{"keyId": keyID}); err != nil {
		return apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	return nil
}
