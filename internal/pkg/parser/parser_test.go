package parser

import (
	"bytes"
	"testing"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// newTestEntity follows the teacher's own test helper shape
// (pkg/hkpserver/server_test.go:getEntities/getArmored).
func newTestEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	for _, id := range e.Identities {
		require.NoError(t, id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, nil))
	}
	return e
}

func armorEntity(t *testing.T, e *openpgp.Entity, private bool) string {
	t.Helper()
	var b bytes.Buffer
	aw, err := armor.Encode(&b, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	if private {
		require.NoError(t, e.SerializePrivateWithoutSigning(aw, nil))
	} else {
		require.NoError(t, e.Serialize(aw))
	}
	require.NoError(t, aw.Close())
	return b.String()
}

func TestParseHappyPath(t *testing.T) {
	e := newTestEntity(t, "Alice", "a@x.test")
	armored := armorEntity(t, e, false)

	res, err := Parse(armored)
	require.NoError(t, err)
	require.Equal(t, "rsa", res.Key.Algorithm)
	require.Equal(t, armored, res.Key.Armored)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, "a@x.test", res.Bindings[0].Email)
	require.Equal(t, []string{"a@x.test"}, res.Key.UserIDs)
}

func TestParseDeduplicatesByEmail(t *testing.T) {
	e, err := openpgp.NewEntity("Alice", "", "a@x.test", nil)
	require.NoError(t, err)
	require.NoError(t, e.AddUserId("Alice Dup", "", "A@X.TEST", nil, nil))
	for _, id := range e.Identities {
		require.NoError(t, id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, nil))
	}

	res, err := Parse(armorEntity(t, e, false))
	require.NoError(t, err)
	require.Len(t, res.Bindings, 1)
}

func TestParseRejectsPrivateKey(t *testing.T) {
	e := newTestEntity(t, "Alice", "a@x.test")
	_, err := Parse(armorEntity(t, e, true))
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindInput))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not an armored key")
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindInput))
}

func TestParseRejectsNoUserIds(t *testing.T) {
	e, err := openpgp.NewEntity("Alice", "", "a@x.test", nil)
	require.NoError(t, err)
	e.Identities = nil
	_, err = Parse(armorEntity(t, e, false))
	require.Error(t, err)
}
