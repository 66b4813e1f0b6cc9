package hkpserver

import (
	"fmt"
	"io"
	"strings"

	"github.com/openkeysrv/keyserver/internal/pkg/domain"
	"golang.org/x/crypto/openpgp/packet"
)

// algoCode maps KeyRecord's symbolic algorithm name back to the numeric HKP
// algorithm code (RFC 4880 §9.1), the inverse of parser.algoName.
func algoCode(name string) packet.PublicKeyAlgorithm {
	switch name {
	case "rsa":
		return packet.PubKeyAlgoRSA
	case "elgamal":
		return packet.PubKeyAlgoElGamal
	case "dsa":
		return packet.PubKeyAlgoDSA
	case "ecdh":
		return packet.PubKeyAlgoECDH
	case "ecdsa":
		return packet.PubKeyAlgoECDSA
	case "eddsa":
		return packet.PubKeyAlgoEdDSA
	default:
		return 0
	}
}

// WriteIndex writes a readable index of rec, restricted to its publicly
// visible bindings, in the HKP index format (one `info`/`pub`/`uid` block
// set), following the layout of teacher's index.go:WriteIndex/printEntity
// but sourced from domain.KeyRecord/UserIdBinding rather than a parsed
// openpgp.Entity — the store never reconstructs packet structures for I6.
func WriteIndex(w io.Writer, rec domain.KeyRecord, bindings []domain.UserIdBinding) error {
	if _, err := fmt.Fprintf(w, "info:1:1\n"); err != nil {
		return err
	}

	ct := uint64(rec.Created.Unix())
	if _, err := fmt.Fprintf(w, "pub:%s:%d:%d:%d::\n", rec.Fingerprint, algoCode(rec.Algorithm), rec.KeySize, ct); err != nil {
		return err
	}

	for _, b := range bindings {
		display := b.Email
		if b.Name != "" {
			display = fmt.Sprintf("%s <%s>", b.Name, b.Email)
		}
		if _, err := fmt.Fprintf(w, "uid:%s:%d::\n", strings.ReplaceAll(display, ":", "%3A"), ct); err != nil {
			return err
		}
	}

	return nil
}
