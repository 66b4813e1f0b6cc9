// Package keysvc is the orchestrator of the key lifecycle engine: it wires
// the Parser, Store, UserIdService, and Mailer into the five operations
// spec §4.5 names. Generalized from the control flow the teacher spreads
// across pkg/hkpserver/server.go's add handler and
// internal/pkg/mailverifier.MailVerifier.Verify.
package keysvc

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/openkeysrv/keyserver/internal/pkg/domain"
	"github.com/openkeysrv/keyserver/internal/pkg/mailer"
	"github.com/openkeysrv/keyserver/internal/pkg/parser"
	"github.com/openkeysrv/keyserver/internal/pkg/store"
	"github.com/openkeysrv/keyserver/internal/pkg/useridsvc"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/openpgp"
)

// maxInsertAttempts bounds the compare-and-set retry loop Submit runs when
// it loses a race against a concurrent submit of the same key id.
const maxInsertAttempts = 3

// Mailer is the sending capability Submit/RequestRemove need; satisfied by
// *mailer.Mailer. Kept as an interface, in the teacher's own idiom of
// accepting narrow collaborator interfaces (hkpserver.VerifyKey), so tests
// can substitute a non-networked fake.
type Mailer interface {
	Send(tmpl mailer.Template, acceptLanguage, name, toEmail, keyID, nonce, baseURL string) error
}

// Service is the KeyService orchestrator.
type Service struct {
	store   *store.Store
	userIDs *useridsvc.Service
	mailer  Mailer
}

// New builds a Service.
func New(s *store.Store, userIDs *useridsvc.Service, m Mailer) *Service {
	return &Service{store: s, userIDs: userIDs, mailer: m}
}

// SubmitInput is the input to Submit.
type SubmitInput struct {
	Armored        string
	Origin         string
	AcceptLanguage string
}

// SubmitResult reports what Submit actually did.
type SubmitResult struct {
	KeyID   string
	Sent    int
	Revoked bool
}

// Submit implements spec §4.5 submit, plus the supplemented
// self-authenticating revocation path (spec_full §9): a resubmission whose
// revocation signature verifies against the key already on file deletes
// that key immediately, without a mailed challenge.
func (s *Service) Submit(in SubmitInput) (*SubmitResult, error) {
	parsed, err := parser.Parse(in.Armored)
	if err != nil {
		return nil, err
	}
	keyID := parsed.Key.KeyID

	existing, existed, err := s.getKeyRecord(keyID)
	if err != nil {
		return nil, err
	}

	if existed && len(parsed.Entity.Revocations) > 0 {
		revoked, err := s.acceptsRevocation(existing.Armored, parsed.Entity)
		if err != nil {
			return nil, err
		}
		if revoked {
			logrus.WithField("keyId", keyID).Info("revoked key submitted, removing")
			if err := s.deleteKey(keyID); err != nil {
				return nil, err
			}
			return &SubmitResult{KeyID: keyID, Revoked: true}, nil
		}
	}

	inserted := false
	for attempt := 0; attempt < maxInsertAttempts && !inserted; attempt++ {
		_, existed, err := s.getKeyRecord(keyID)
		if err != nil {
			return nil, err
		}
		if existed {
			verified, err := s.hasVerifiedBinding(keyID)
			if err != nil {
				return nil, err
			}
			if verified {
				return nil, apierr.New(apierr.ErrAlreadyExists, "key already published")
			}
			if err := s.deleteKey(keyID); err != nil {
				return nil, err
			}
		}

		switch err := s.store.Insert(store.KindKey, keyID, parsed.Key); {
		case err == nil:
			inserted = true
		case errors.Is(err, store.ErrDuplicate):
			continue
		default:
			return nil, apierr.Wrap(apierr.ErrStoreFailure, err)
		}
	}
	if !inserted {
		return nil, apierr.New(apierr.ErrStoreFailure, "too much contention on key id, submission abandoned")
	}

	enriched, err := s.userIDs.Batch(keyID, parsed.Bindings)
	if err != nil {
		_ = s.deleteKey(keyID)
		return nil, err
	}

	sent := 0
	for _, b := range enriched {
		err := s.mailer.Send(mailer.TemplateVerifyKey, in.AcceptLanguage, b.Name, b.Email, keyID, b.Nonce, in.Origin)
		if err != nil {
			logrus.WithFields(logrus.Fields{"keyId": keyID, "email": b.Email}).WithError(err).Warn("verification email delivery failed")
			continue
		}
		sent++
	}
	if sent == 0 {
		_ = s.userIDs.Remove(keyID)
		_ = s.deleteKey(keyID)
		return nil, apierr.New(apierr.ErrMailerFailure, "no verification email could be delivered")
	}

	return &SubmitResult{KeyID: keyID, Sent: sent}, nil
}

// acceptsRevocation reports whether any of candidate's revocation
// signatures verifies against the primary key of the certificate already
// on file, grounded on the teacher's defaultHandler.add revocation branch
// (eldb[0].PrimaryKey.VerifyRevocationSignature(rsig)).
func (s *Service) acceptsRevocation(existingArmored string, candidate *openpgp.Entity) (bool, error) {
	existingEntity, err := parser.ParseEntity(existingArmored)
	if err != nil {
		return false, apierr.Wrap(apierr.ErrInternal, err)
	}
	for _, rsig := range candidate.Revocations {
		if err := existingEntity.PrimaryKey.VerifyRevocationSignature(rsig); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// VerifyInput names a (keyId, nonce) challenge response.
type VerifyInput struct {
	KeyID string
	Nonce string
}

// Verify implements spec §4.5 verify.
func (s *Service) Verify(in VerifyInput) error {
	_, err := s.userIDs.Verify(in.KeyID, in.Nonce)
	return err
}

// RequestRemoveInput names the target of a removal request: exactly one of
// KeyID or Email should be set.
type RequestRemoveInput struct {
	KeyID          string
	Email          string
	Origin         string
	AcceptLanguage string
}

// RequestRemove implements spec §4.5 requestRemove.
func (s *Service) RequestRemove(in RequestRemoveInput) error {
	var bindings []domain.UserIdBinding
	var err error

	switch {
	case in.KeyID != "":
		bindings, err = s.userIDs.List(in.KeyID)
	case in.Email != "":
		bindings, err = s.userIDs.ListByEmail(strings.ToLower(in.Email))
	default:
		return apierr.New(apierr.ErrMalformedQuery, "keyId or email required")
	}
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		return apierr.ErrNotFound
	}

	sent := 0
	for _, b := range bindings {
		nonce, err := s.userIDs.Reissue(b.KeyID, b.Email)
		if err != nil {
			return err
		}
		err = s.mailer.Send(mailer.TemplateVerifyRemove, in.AcceptLanguage, b.Name, b.Email, b.KeyID, nonce, in.Origin)
		if err != nil {
			logrus.WithFields(logrus.Fields{"keyId": b.KeyID, "email": b.Email}).WithError(err).Warn("removal email delivery failed")
			continue
		}
		sent++
	}
	if sent == 0 {
		return apierr.New(apierr.ErrMailerFailure, "no removal email could be delivered")
	}
	return nil
}

// VerifyRemove implements spec §4.5 verifyRemove. A missing nonce must never
// resolve to anything: an already-verified binding has no nonce on file, so
// an empty one is not "no predicate", it is a value nothing legitimate holds.
func (s *Service) VerifyRemove(in VerifyInput) error {
	if in.KeyID == "" || in.Nonce == "" {
		return apierr.ErrNotFound
	}
	doc, ok, err := s.store.Get(store.KindUserID, store.Query{"keyId": in.KeyID, "nonce": in.Nonce})
	if err != nil {
		return apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	if !ok {
		return apierr.ErrNotFound
	}
	var b domain.UserIdBinding
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return apierr.Wrap(apierr.ErrInternal, err)
	}
	return s.deleteKey(b.KeyID)
}

// GetInput names a lookup target: exactly one field should be set.
type GetInput struct {
	KeyID       string
	Fingerprint string
	Email       string

	// NoAmbiguity corresponds to HKP's "nm" lookup option (spec_full §9): an
	// 8-character KeyID with more than one match yields NotFound instead of
	// the first hit.
	NoAmbiguity bool
}

// Get implements spec §4.5 get, including I4 (only keys with at least one
// verified binding are visible).
func (s *Service) Get(in GetInput) (*domain.KeyRecord, error) {
	keyID, err := s.resolveKeyID(in)
	if err != nil {
		return nil, err
	}

	verified, err := s.hasVerifiedBinding(keyID)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, apierr.ErrNotFound
	}

	rec, ok, err := s.getKeyRecord(keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.ErrNotFound
	}
	return rec, nil
}

// VerifiedBindings returns the publicly-visible bindings of keyID (spec I4),
// used by the HKP index renderer and the REST JSON responder.
func (s *Service) VerifiedBindings(keyID string) ([]domain.UserIdBinding, error) {
	all, err := s.userIDs.List(keyID)
	if err != nil {
		return nil, err
	}
	visible := make([]domain.UserIdBinding, 0, len(all))
	for _, b := range all {
		if b.Verified {
			visible = append(visible, b)
		}
	}
	return visible, nil
}

func (s *Service) resolveKeyID(in GetInput) (string, error) {
	switch {
	case in.Fingerprint != "":
		fp := strings.ToUpper(in.Fingerprint)
		rec, ok, err := s.getByQuery(store.Query{"fingerprint": fp})
		if err != nil {
			return "", err
		}
		if !ok {
			return "", apierr.ErrNotFound
		}
		return rec.KeyID, nil

	case in.KeyID != "":
		id := strings.ToUpper(in.KeyID)
		switch len(id) {
		case 16:
			if _, ok, err := s.getKeyRecord(id); err != nil {
				return "", err
			} else if !ok {
				return "", apierr.ErrNotFound
			}
			return id, nil
		case 8:
			return s.resolveShortKeyID(id, in.NoAmbiguity)
		default:
			return "", apierr.New(apierr.ErrMalformedQuery, "key id must be 8 or 16 hex characters")
		}

	case in.Email != "":
		b, err := s.userIDs.GetVerified("", []string{strings.ToLower(in.Email)})
		if err != nil {
			return "", err
		}
		if b == nil {
			return "", apierr.ErrNotFound
		}
		return b.KeyID, nil

	default:
		return "", apierr.New(apierr.ErrMalformedQuery, "keyId, fingerprint or email required")
	}
}

// resolveShortKeyID matches an 8-character HKP short id against the
// low-order bytes of every stored key id, per spec §4.5 ("ambiguous
// resolution returns the first hit and logs"), generalized from the
// teacher's duplicate-fingerprint 500 guard in server.go into a proper
// logged warning rather than an error response.
func (s *Service) resolveShortKeyID(shortID string, noAmbiguity bool) (string, error) {
	docs, err := s.store.List(store.KindKey, store.Query{})
	if err != nil {
		return "", apierr.Wrap(apierr.ErrStoreFailure, err)
	}

	var first string
	matches := 0
	for _, doc := range docs {
		var rec domain.KeyRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			continue
		}
		if strings.HasSuffix(rec.KeyID, shortID) {
			if matches == 0 {
				first = rec.KeyID
			}
			matches++
		}
	}
	if matches == 0 {
		return "", apierr.ErrNotFound
	}
	if matches > 1 {
		if noAmbiguity {
			return "", apierr.ErrNotFound
		}
		logrus.WithFields(logrus.Fields{
			"shortId":                 shortID,
			"ambiguous_keyid_matches": matches,
		}).Warn("ambiguous short key id resolution, returning first hit")
	}
	return first, nil
}

func (s *Service) getKeyRecord(keyID string) (*domain.KeyRecord, bool, error) {
	return s.getByQuery(store.Query{"keyId": keyID})
}

func (s *Service) getByQuery(q store.Query) (*domain.KeyRecord, bool, error) {
	doc, ok, err := s.store.Get(store.KindKey, q)
	if err != nil {
		return nil, false, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec domain.KeyRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, false, apierr.Wrap(apierr.ErrInternal, err)
	}
	return &rec, true, nil
}

func (s *Service) hasVerifiedBinding(keyID string) (bool, error) {
	docs, err := s.store.List(store.KindUserID, store.Query{"keyId": keyID, "verified": true})
	if err != nil {
		return false, apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	return len(docs) > 0, nil
}

func (s *Service) deleteKey(keyID string) error {
	if err := s.userIDs.Remove(keyID); err != nil {
		return err
	}
	if err := s.store.Remove(store.KindKey, store.Query{"keyId": keyID}); err != nil {
		return apierr.Wrap(apierr.ErrStoreFailure, err)
	}
	return nil
}
