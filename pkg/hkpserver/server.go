// Package hkpserver implements the legacy HKP (HTTP Keyserver Protocol)
// surface over KeyService, generalized from the teacher's defaultHandler
// (pkg/hkpserver/server.go) which spoke the same two routes directly against
// a database.Database.
package hkpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/openkeysrv/keyserver/internal/pkg/httplog"
	"github.com/openkeysrv/keyserver/internal/pkg/keysvc"
	"github.com/openkeysrv/keyserver/internal/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// DefaultAddr matches the teacher's default HKP listen address.
const DefaultAddr = ":11371"

const (
	AddRoute    = "/pks/add"
	LookupRoute = "/pks/lookup"
)

// Config wires a Server's collaborators, replacing the teacher's
// database.Database/VerifyKey pair with a single KeyService.
type Config struct {
	Addr        string
	PublicURL   string
	Keys        *keysvc.Service
	RateLimiter *ratelimit.Limiter
}

type handler struct {
	keys      *keysvc.Service
	publicURL string
}

func hasOption(query string, name string) bool {
	for _, opt := range strings.Split(query, ",") {
		if strings.TrimSpace(opt) == name {
			return true
		}
	}
	return false
}

// add implements POST /pks/add, generalizing teacher's defaultHandler.add:
// parse the posted keytext, submit it to KeyService, and map the result to
// the status codes spec.md §6 names (201/400/304).
func (h *handler) add(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteText(w, apierr.New(apierr.ErrMalformedQuery, "method not allowed"))
		return
	}

	if hasOption(r.URL.Query().Get("options"), "nm") {
		http.Error(w, "Not implemented", http.StatusNotImplemented)
		return
	}

	if err := r.ParseForm(); err != nil {
		apierr.WriteText(w, apierr.Wrap(apierr.ErrMalformedQuery, err))
		return
	}

	res, err := h.keys.Submit(keysvc.SubmitInput{
		Armored:        r.PostForm.Get("keytext"),
		Origin:         h.publicURL,
		AcceptLanguage: r.Header.Get("Accept-Language"),
	})
	if err != nil {
		if apierr.Is(err, apierr.KindConflict) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		apierr.WriteText(w, err)
		return
	}

	if res.Revoked {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// lookup implements GET /pks/lookup, generalizing teacher's
// defaultHandler.lookup: op=get returns the armored block, op=index/vindex
// returns the HKP index text.
func (h *handler) lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.WriteText(w, apierr.New(apierr.ErrMalformedQuery, "method not allowed"))
		return
	}

	query := r.URL.Query()
	search := query.Get("search")
	nm := hasOption(query.Get("options"), "nm")

	in, err := parseSearch(search, nm)
	if err != nil {
		apierr.WriteText(w, err)
		return
	}

	switch query.Get("op") {
	case "get":
		rec, err := h.keys.Get(in)
		if err != nil {
			apierr.WriteText(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/pgp-keys")
		if err := WriteArmoredKeyRing(w, rec); err != nil {
			apierr.WriteText(w, apierr.Wrap(apierr.ErrInternal, err))
		}

	case "index", "vindex":
		rec, err := h.keys.Get(in)
		if err != nil {
			apierr.WriteText(w, err)
			return
		}
		bindings, err := h.keys.VerifiedBindings(rec.KeyID)
		if err != nil {
			apierr.WriteText(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		if err := WriteIndex(w, *rec, bindings); err != nil {
			apierr.WriteText(w, apierr.Wrap(apierr.ErrInternal, err))
		}

	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
	}
}

// parseSearch maps HKP's loosely-typed `search` query parameter onto
// KeyService's explicit GetInput, per spec.md §6 ("<query> may be
// 0x<fingerprint>, 0x<keyId>, or an email address").
func parseSearch(search string, nm bool) (keysvc.GetInput, error) {
	switch {
	case search == "":
		return keysvc.GetInput{}, apierr.New(apierr.ErrMalformedQuery, "search is required")
	case strings.HasPrefix(search, "0x"):
		hex := strings.ToUpper(strings.TrimPrefix(search, "0x"))
		if len(hex) > 16 {
			return keysvc.GetInput{Fingerprint: hex}, nil
		}
		return keysvc.GetInput{KeyID: hex, NoAmbiguity: nm}, nil
	case strings.Contains(search, "@"):
		return keysvc.GetInput{Email: strings.ToLower(search)}, nil
	default:
		return keysvc.GetInput{KeyID: strings.ToUpper(search), NoAmbiguity: nm}, nil
	}
}

// Start runs the HKP HTTP server until ctx is cancelled, in the shape of
// teacher's hkpserver.Start (mux, LogRequestHandler wrap, graceful shutdown).
func Start(ctx context.Context, cfg Config) error {
	if cfg.Keys == nil {
		return fmt.Errorf("no key service specified")
	}

	mux := http.NewServeMux()
	h := &handler{keys: cfg.Keys, publicURL: cfg.PublicURL}
	mux.HandleFunc(AddRoute, h.add)
	mux.HandleFunc(LookupRoute, h.lookup)

	var top http.Handler = mux
	if cfg.RateLimiter != nil {
		top = cfg.RateLimiter.Middleware(top)
	}
	top = httplog.Handler(top)

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{Addr: addr, Handler: top}

	shutdownCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCh <- srv.Shutdown(context.Background())
	}()

	logrus.WithField("listen", addr).Info("HKP server started")

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return <-shutdownCh
}
