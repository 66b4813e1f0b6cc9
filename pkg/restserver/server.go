// Package restserver implements the JSON REST surface over KeyService
// (spec.md §6, `/api/v1/key`), in the idiom of pkg/hkpserver: a thin
// net/http adapter translating one wire dialect into KeyService calls.
package restserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"github.com/openkeysrv/keyserver/internal/pkg/httplog"
	"github.com/openkeysrv/keyserver/internal/pkg/keysvc"
	"github.com/openkeysrv/keyserver/internal/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// DefaultAddr is the REST listener's default bind address.
const DefaultAddr = ":8080"

// KeyRoute is the single route this adapter serves; method and query
// parameters discriminate the five KeyService operations (spec.md §6).
const KeyRoute = "/api/v1/key"

// Config wires a Server's collaborators.
type Config struct {
	Addr        string
	PublicURL   string
	Keys        *keysvc.Service
	RateLimiter *ratelimit.Limiter
	CSP         bool
}

type handler struct {
	keys      *keysvc.Service
	publicURL string
	csp       bool
}

// submitBody is the JSON shape POST /api/v1/key accepts.
type submitBody struct {
	PublicKeyArmored string `json:"publicKeyArmored"`
}

// keyView is the JSON shape GET /api/v1/key returns for a resolved key.
type keyView struct {
	KeyID            string   `json:"keyId"`
	Fingerprint      string   `json:"fingerprint"`
	UserIDs          []string `json:"userIds"`
	Created          string   `json:"created"`
	Algorithm        string   `json:"algorithm"`
	KeySize          int      `json:"keySize"`
	PublicKeyArmored string   `json:"publicKeyArmored"`
}

func (h *handler) key(w http.ResponseWriter, r *http.Request) {
	if h.csp {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
	}

	switch r.Method {
	case http.MethodPost:
		h.submit(w, r)
	case http.MethodGet:
		h.get(w, r)
	case http.MethodDelete:
		h.requestRemove(w, r)
	default:
		apierr.WriteJSON(w, apierr.New(apierr.ErrMalformedQuery, "method not allowed"))
	}
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("op") {
	case "verify":
		h.verify(w, r)
		return
	case "verifyRemove":
		h.verifyRemove(w, r)
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ErrInvalidArmor, err))
		return
	}

	_, err := h.keys.Submit(keysvc.SubmitInput{
		Armored:        body.PublicKeyArmored,
		Origin:         h.publicURL,
		AcceptLanguage: r.Header.Get("Accept-Language"),
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := h.keys.Verify(keysvc.VerifyInput{KeyID: q.Get("keyId"), Nonce: q.Get("nonce")})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Your key submission is confirmed.")
}

func (h *handler) verifyRemove(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := h.keys.VerifyRemove(keysvc.VerifyInput{KeyID: q.Get("keyId"), Nonce: q.Get("nonce")})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Your key has been removed.")
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("op") == "verify" {
		h.verify(w, r)
		return
	}
	if q.Get("op") == "verifyRemove" {
		h.verifyRemove(w, r)
		return
	}

	rec, err := h.keys.Get(keysvc.GetInput{
		KeyID:       q.Get("keyId"),
		Fingerprint: q.Get("fingerprint"),
		Email:       q.Get("email"),
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	// rec.UserIDs is every address the certificate carried at submission
	// time, pending ones included; only verified bindings are public (I4).
	bindings, err := h.keys.VerifiedBindings(rec.KeyID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	userIDs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		userIDs = append(userIDs, b.Email)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keyView{
		KeyID:            rec.KeyID,
		Fingerprint:      rec.Fingerprint,
		UserIDs:          userIDs,
		Created:          rec.Created.Format("2006-01-02T15:04:05Z"),
		Algorithm:        rec.Algorithm,
		KeySize:          rec.KeySize,
		PublicKeyArmored: rec.Armored,
	})
}

func (h *handler) requestRemove(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := h.keys.RequestRemove(keysvc.RequestRemoveInput{
		KeyID:          q.Get("keyId"),
		Email:          q.Get("email"),
		Origin:         h.publicURL,
		AcceptLanguage: r.Header.Get("Accept-Language"),
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Start runs the REST HTTP server until ctx is cancelled, mirroring
// pkg/hkpserver.Start's shape.
func Start(ctx context.Context, cfg Config) error {
	if cfg.Keys == nil {
		return fmt.Errorf("no key service specified")
	}

	mux := http.NewServeMux()
	h := &handler{keys: cfg.Keys, publicURL: cfg.PublicURL, csp: cfg.CSP}
	mux.HandleFunc(KeyRoute, h.key)

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

	logrus.WithField("listen", addr).Info("REST server started")

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return <-shutdownCh
}
