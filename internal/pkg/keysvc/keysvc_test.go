package keysvc

import (
	"bytes"
	"sync"
	"testing"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/openkeysrv/keyserver/internal/pkg/mailer"
	"github.com/openkeysrv/keyserver/internal/pkg/store"
	"github.com/openkeysrv/keyserver/internal/pkg/useridsvc"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// fakeMailer records every send and never touches the network, letting
// these tests exercise KeyService's orchestration without an SMTP server.
type fakeMailer struct {
	mu    sync.Mutex
	sent  []sentMail
	fail  bool
}

type sentMail struct {
	tmpl  mailer.Template
	email string
	nonce string
}

func (m *fakeMailer) Send(tmpl mailer.Template, acceptLanguage, name, toEmail, keyID, nonce, baseURL string) error {
	if m.fail {
		return apierr.ErrMailerFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{tmpl: tmpl, email: toEmail, nonce: nonce})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMailer) nonceFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].email == email {
			return m.sent[i].nonce
		}
	}
	return ""
}

func newTestService(t *testing.T) (*Service, *fakeMailer) {
	t.Helper()
	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fm := &fakeMailer{}
	return New(s, useridsvc.New(s), fm), fm
}

func newTestEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	for _, id := range e.Identities {
		require.NoError(t, id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, nil))
	}
	return e
}

func armorEntity(t *testing.T, e *openpgp.Entity) string {
	t.Helper()
	var b bytes.Buffer
	aw, err := armor.Encode(&b, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(aw))
	require.NoError(t, aw.Close())
	return b.String()
}

// TestS1HappyPath follows spec.md §8 scenario S1.
func TestS1HappyPath(t *testing.T) {
	svc, fm := newTestService(t)

	e, err := openpgp.NewEntity("Alice", "", "a@x.test", nil)
	require.NoError(t, err)
	require.NoError(t, e.AddUserId("Alice Alt", "", "a.alt@x.test", nil, nil))
	for _, id := range e.Identities {
		require.NoError(t, id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, nil))
	}
	armored := armorEntity(t, e)

	res, err := svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	require.Equal(t, 2, fm.count())

	_, err = svc.Get(GetInput{Email: "a@x.test"})
	require.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, svc.Verify(VerifyInput{KeyID: res.KeyID, Nonce: fm.nonceFor("a@x.test")}))

	rec, err := svc.Get(GetInput{Email: "a@x.test"})
	require.NoError(t, err)
	require.Equal(t, armored, rec.Armored)

	_, err = svc.Get(GetInput{Email: "a.alt@x.test"})
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

// TestS2Collision follows spec.md §8 scenario S2.
func TestS2Collision(t *testing.T) {
	svc, fm := newTestService(t)

	e1 := newTestEntity(t, "Alice", "a@x.test")
	res1, err := svc.Submit(SubmitInput{Armored: armorEntity(t, e1), Origin: "http://x.test"})
	require.NoError(t, err)
	require.NoError(t, svc.Verify(VerifyInput{KeyID: res1.KeyID, Nonce: fm.nonceFor("a@x.test")}))

	e2 := newTestEntity(t, "Mallory", "a@x.test")
	res2, err := svc.Submit(SubmitInput{Armored: armorEntity(t, e2), Origin: "http://x.test"})
	require.NoError(t, err)

	nonce2 := fm.nonceFor("a@x.test")
	require.NoError(t, svc.Verify(VerifyInput{KeyID: res2.KeyID, Nonce: nonce2}))

	// key1 is no longer visible via a@x.test: key2 now owns the verified binding.
	rec, err := svc.Get(GetInput{Email: "a@x.test"})
	require.NoError(t, err)
	require.Equal(t, res2.KeyID, rec.KeyID)

	_, err = svc.Get(GetInput{KeyID: res1.KeyID})
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

// TestS3ResubmissionOfPendingKey follows spec.md §8 scenario S3.
func TestS3ResubmissionOfPendingKey(t *testing.T) {
	svc, fm := newTestService(t)
	e := newTestEntity(t, "Alice", "a@x.test")
	armored := armorEntity(t, e)

	res1, err := svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.NoError(t, err)
	oldNonce := fm.nonceFor("a@x.test")

	res2, err := svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.NoError(t, err)
	require.Equal(t, res1.KeyID, res2.KeyID)

	err = svc.Verify(VerifyInput{KeyID: res1.KeyID, Nonce: oldNonce})
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

// TestS4ResubmissionOfVerifiedKey follows spec.md §8 scenario S4.
func TestS4ResubmissionOfVerifiedKey(t *testing.T) {
	svc, fm := newTestService(t)
	e := newTestEntity(t, "Alice", "a@x.test")
	armored := armorEntity(t, e)

	res, err := svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.NoError(t, err)
	require.NoError(t, svc.Verify(VerifyInput{KeyID: res.KeyID, Nonce: fm.nonceFor("a@x.test")}))

	sentBefore := fm.count()
	_, err = svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.ErrorIs(t, err, apierr.ErrAlreadyExists)
	require.Equal(t, sentBefore, fm.count())
}

// TestS5Removal follows spec.md §8 scenario S5.
func TestS5Removal(t *testing.T) {
	svc, fm := newTestService(t)
	e := newTestEntity(t, "Alice", "a@x.test")
	armored := armorEntity(t, e)

	res, err := svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.NoError(t, err)
	require.NoError(t, svc.Verify(VerifyInput{KeyID: res.KeyID, Nonce: fm.nonceFor("a@x.test")}))

	require.NoError(t, svc.RequestRemove(RequestRemoveInput{Email: "a@x.test", Origin: "http://x.test"}))
	removeNonce := fm.nonceFor("a@x.test")
	require.NotEmpty(t, removeNonce)

	_, err = svc.Get(GetInput{Email: "a@x.test"})
	require.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, svc.VerifyRemove(VerifyInput{KeyID: res.KeyID, Nonce: removeNonce}))

	_, err = svc.Get(GetInput{KeyID: res.KeyID})
	require.ErrorIs(t, err, apierr.ErrNotFound)

	err = svc.VerifyRemove(VerifyInput{KeyID: res.KeyID, Nonce: removeNonce})
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestVerifyRemoveWithEmptyNonceIsNotFound(t *testing.T) {
	svc, fm := newTestService(t)
	e := newTestEntity(t, "Alice", "a@x.test")
	armored := armorEntity(t, e)

	res, err := svc.Submit(SubmitInput{Armored: armored, Origin: "http://x.test"})
	require.NoError(t, err)
	require.NoError(t, svc.Verify(VerifyInput{KeyID: res.KeyID, Nonce: fm.nonceFor("a@x.test")}))

	err = svc.VerifyRemove(VerifyInput{KeyID: res.KeyID, Nonce: ""})
	require.ErrorIs(t, err, apierr.ErrNotFound)

	rec, err := svc.Get(GetInput{KeyID: res.KeyID})
	require.NoError(t, err)
	require.Equal(t, res.KeyID, rec.KeyID)
}

// TestS6MalformedArmor follows spec.md §8 scenario S6.
func TestS6MalformedArmor(t *testing.T) {
	svc, fm := newTestService(t)
	_, err := svc.Submit(SubmitInput{Armored: "garbage", Origin: "http://x.test"})
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindInput))
	require.Equal(t, 0, fm.count())
}

func TestSubmitCompensatesWhenAllMailFails(t *testing.T) {
	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fm := &fakeMailer{fail: true}
	svc := New(s, useridsvc.New(s), fm)

	e := newTestEntity(t, "Alice", "a@x.test")
	_, err = svc.Submit(SubmitInput{Armored: armorEntity(t, e), Origin: "http://x.test"})
	require.ErrorIs(t, err, apierr.ErrMailerFailure)

	_, err = svc.Get(GetInput{KeyID: "does-not-matter"})
	require.Error(t, err)

	list, err := s.List(store.KindUserID, store.Query{})
	require.NoError(t, err)
	require.Empty(t, list)
	keys, err := s.List(store.KindKey, store.Query{})
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestResolveShortKeyIDUnmatchedIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	e1 := newTestEntity(t, "Alice", "a@x.test")
	e2 := newTestEntity(t, "Bob", "b@x.test")
	_, err := svc.Submit(SubmitInput{Armored: armorEntity(t, e1), Origin: "http://x.test"})
	require.NoError(t, err)
	_, err = svc.Submit(SubmitInput{Armored: armorEntity(t, e2), Origin: "http://x.test"})
	require.NoError(t, err)

	// resolveKeyID is called directly, so verification state plays no part;
	// neither generated key id ends in 00000000, so the short-id scan over
	// both stored keys finds no match and reports NotFound.
	_, err = svc.resolveKeyID(GetInput{KeyID: "00000000"})
	require.ErrorIs(t, err, apierr.ErrNotFound)
}
