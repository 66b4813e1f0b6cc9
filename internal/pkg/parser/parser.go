// Package parser turns an armored OpenPGP certificate into a KeyRecord
// draft and its UserIdBinding drafts. Grounded on the teacher's inline use
// of golang.org/x/crypto/openpgp in pkg/hkpserver/server.go (add handler)
// and the identity walk in internal/pkg/defaultdb/defaultdb.go
// (marshalEntityRecord).
package parser

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/openkeysrv/keyserver/internal/pkg/domain"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

// minRSABits is the policy minimum primary key size; ECC keys are accepted
// regardless of nominal bit length (spec §4.1).
const minRSABits = 2048

// Result is the output of a successful parse: a KeyRecord draft (UserIDs
// included, in certificate order) plus the UserIdBinding
// drafts extracted from the certificate's identities, and the underlying
// entity for operations — such as revocation-signature verification — that
// need the parsed packet structure rather than the extracted scalar fields.
type Result struct {
	Key      domain.KeyRecord
	Bindings []domain.UserIdBinding
	Entity   *openpgp.Entity
}

// Parse validates and extracts a single armored public certificate.
func Parse(armored string) (*Result, error) {
	e, err := parseEntity(armored)
	if err != nil {
		return nil, err
	}

	if e.PrivateKey != nil {
		return nil, apierr.New(apierr.ErrInvalidCertificate, "private key material must not be submitted")
	}

	if bits, err := e.PrimaryKey.BitLength(); err == nil && isRSA(e.PrimaryKey.PubKeyAlgo) && int(bits) < minRSABits {
		return nil, apierr.New(apierr.ErrKeyTooShort, fmt.Sprintf("RSA primary key must be at least %d bits", minRSABits))
	}

	bindings := extractBindings(e)
	if len(bindings) == 0 {
		return nil, apierr.New(apierr.ErrNoUserIds, "certificate carries no usable user ids")
	}

	bits, _ := e.PrimaryKey.BitLength()

	fp := fmt.Sprintf("%X", e.PrimaryKey.Fingerprint[:])
	keyID := fp[len(fp)-16:]

	key := domain.KeyRecord{
		KeyID:       keyID,
		Fingerprint: fp,
		Algorithm:   algoName(e.PrimaryKey.PubKeyAlgo),
		KeySize:     int(bits),
		Created:     e.PrimaryKey.CreationTime.UTC(),
		Armored:     armored,
	}
	for i := range bindings {
		bindings[i].KeyID = keyID
		key.UserIDs = append(key.UserIDs, bindings[i].Email)
	}

	return &Result{Key: key, Bindings: bindings, Entity: e}, nil
}

// ParseEntity re-parses a previously accepted armored block, used by
// KeyService when it needs the packet structure of a key already on file
// (e.g. to verify a revocation signature against it).
func ParseEntity(armored string) (*openpgp.Entity, error) {
	return parseEntity(armored)
}

func parseEntity(armored string) (*openpgp.Entity, error) {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrInvalidArmor, err)
	}
	if len(el) == 0 {
		return nil, apierr.New(apierr.ErrInvalidCertificate, "a key must be provided")
	}
	if len(el) > 1 {
		return nil, apierr.New(apierr.ErrInvalidCertificate, "only one key submission is supported")
	}
	return el[0], nil
}

// extractBindings splits each user-id packet into display name and email,
// lowercases the email, and deduplicates by email preserving first
// occurrence, per spec §4.1.
func extractBindings(e *openpgp.Entity) []domain.UserIdBinding {
	seen := make(map[string]bool, len(e.Identities))
	var bindings []domain.UserIdBinding

	for _, id := range e.Identities {
		if id.SelfSignature != nil && id.SelfSignature.RevocationReason != nil {
			// this user id was itself revoked by a self-signature; it
			// carries no usable binding.
			continue
		}

		addr, err := mail.ParseAddress(id.UserId.Email)
		if err != nil || addr.Address == "" {
			continue
		}
		email := strings.ToLower(addr.Address)
		if seen[email] {
			continue
		}
		seen[email] = true

		bindings = append(bindings, domain.UserIdBinding{
			Email: email,
			Name:  id.UserId.Name,
		})
	}

	return bindings
}

func isRSA(a packet.PublicKeyAlgorithm) bool {
	switch a {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSAEncryptOnly, packet.PubKeyAlgoRSASignOnly:
		return true
	default:
		return false
	}
}

func algoName(a packet.PublicKeyAlgorithm) string {
	switch a {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSAEncryptOnly, packet.PubKeyAlgoRSASignOnly:
		return "rsa"
	case packet.PubKeyAlgoElGamal:
		return "elgamal"
	case packet.PubKeyAlgoDSA:
		return "dsa"
	case packet.PubKeyAlgoECDH:
		return "ecdh"
	case packet.PubKeyAlgoECDSA:
		return "ecdsa"
	case packet.PubKeyAlgoEdDSA:
		return "eddsa"
	default:
		return "unknown"
	}
}
