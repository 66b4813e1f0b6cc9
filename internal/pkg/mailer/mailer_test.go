package mailer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalePicksFirstEnabledMatch(t *testing.T) {
	require.Equal(t, "de", Locale("fr-FR;q=0.9,de-DE;q=0.8,en;q=0.1", []string{"en", "de"}))
}

func TestLocaleFallsBackToFirstEnabled(t *testing.T) {
	require.Equal(t, "en", Locale("fr-FR", []string{"en", "de"}))
	require.Equal(t, "en", Locale("", []string{"en", "de"}))
}

func TestLocaleNoEnabledDefaultsToEn(t *testing.T) {
	require.Equal(t, "en", Locale("de", nil))
}

func TestVerifyURLAppendsQuery(t *testing.T) {
	u := VerifyURL("https://keys.example.test", "verify", "ABCD1234ABCD1234", "nonce-value")
	require.True(t, strings.HasPrefix(u, "https://keys.example.test/api/v1/key?"))
	require.Contains(t, u, "op=verify")
	require.Contains(t, u, "keyId=ABCD1234ABCD1234")
	require.Contains(t, u, "nonce=nonce-value")
}

func TestVerifyURLTrimsTrailingSlash(t *testing.T) {
	u := VerifyURL("https://keys.example.test/", "verifyRemove", "K", "N")
	require.True(t, strings.HasPrefix(u, "https://keys.example.test/api/v1/key?"))
}

func TestRenderVerifyKeyEnglish(t *testing.T) {
	subject, body, err := render(TemplateVerifyKey, "en", args{
		Name: "Alice", Email: "a@x.test", KeyID: "ABCD1234", VerifyURL: "https://x.test/v",
	})
	require.NoError(t, err)
	require.Equal(t, "Confirm your public key submission", subject)
	require.Contains(t, body, "Hello Alice,")
	require.Contains(t, body, "ABCD1234")
	require.Contains(t, body, "https://x.test/v")
}

func TestRenderVerifyKeyWithoutNameOmitsGreetingName(t *testing.T) {
	_, body, err := render(TemplateVerifyKey, "en", args{Email: "a@x.test", KeyID: "K", VerifyURL: "u"})
	require.NoError(t, err)
	require.Contains(t, body, "Hello,")
}

func TestRenderVerifyRemoveGerman(t *testing.T) {
	subject, body, err := render(TemplateVerifyRemove, "de", args{
		Name: "Alice", Email: "a@x.test", KeyID: "ABCD1234", VerifyURL: "https://x.test/v",
	})
	require.NoError(t, err)
	require.Equal(t, "Bestätigen Sie die Schlüssellöschung", subject)
	require.Contains(t, body, "https://x.test/v")
}

func TestRenderUnknownLocaleFallsBackToEnglish(t *testing.T) {
	subject, _, err := render(TemplateVerifyKey, "fr", args{KeyID: "K", VerifyURL: "u"})
	require.NoError(t, err)
	require.Equal(t, "Confirm your public key submission", subject)
}

func TestTemplateOp(t *testing.T) {
	require.Equal(t, "verify", TemplateVerifyKey.op())
	require.Equal(t, "verifyRemove", TemplateVerifyRemove.op())
}
