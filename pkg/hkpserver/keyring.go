package hkpserver

import (
	"io"

	"github.com/openkeysrv/keyserver/internal/pkg/domain"
)

// WriteArmoredKeyRing writes rec's armored block verbatim. Unlike teacher's
// WriteArmoredKeyRing, which re-encodes from a parsed openpgp.EntityList,
// this never calls (*openpgp.Entity).Serialize: I6 requires the bytes
// returned to be byte-identical to what was submitted.
func WriteArmoredKeyRing(w io.Writer, rec *domain.KeyRecord) error {
	_, err := io.WriteString(w, rec.Armored)
	return err
}
