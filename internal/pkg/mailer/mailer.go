// Package mailer renders and delivers the two verification email templates
// the key lifecycle engine needs. Generalized from the teacher's
// internal/pkg/mailer/mailer.go and internal/pkg/smtp/smtp.go — which had
// drifted into two near-identical SMTP senders — consolidated into one
// gomail.v2-backed sender with locale-aware templates.
package mailer

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"path"
	"strings"
	"text/template"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"gopkg.in/gomail.v2"
)

// Template names one of the two email templates spec §4.3/§6 requires.
type Template string

const (
	TemplateVerifyKey    Template = "verifyKey"
	TemplateVerifyRemove Template = "verifyRemove"
)

// op is the REST/HKP query parameter value corresponding to a template.
func (t Template) op() string {
	if t == TemplateVerifyRemove {
		return "verifyRemove"
	}
	return "verify"
}

// Config is the SMTP transport configuration (spec §6 email.*).
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Sender      string `yaml:"sender"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	InsecureTLS bool   `yaml:"insecure-tls"`
}

// DefaultConfig mirrors the teacher's DefaultConfig/DefaultSMTPConfig.
var DefaultConfig = Config{
	Host: "localhost",
	Port: 25,
}

// Mailer renders and delivers verification/removal emails.
type Mailer struct {
	cfg     Config
	locales []string
}

// New builds a Mailer. locales lists the enabled locales (spec §6 i18n.locales);
// the first entry is the fallback when Accept-Language matches nothing.
func New(cfg Config, locales []string) *Mailer {
	if len(locales) == 0 {
		locales = []string{"en"}
	}
	return &Mailer{cfg: cfg, locales: locales}
}

// args is the template data, named the way the teacher's TemplateArgs is.
type args struct {
	Name      string
	Email     string
	KeyID     string
	BaseURL   string
	VerifyURL string
}

// Send renders tmpl in the locale matching acceptLanguage and delivers it to
// toEmail via SMTP. Every call sends; the caller decides whether to call it
// at all (spec §4.3: "non-idempotent; KeyService is responsible for not
// calling it redundantly").
func (m *Mailer) Send(tmpl Template, acceptLanguage, name, toEmail, keyID, nonce, baseURL string) error {
	locale := Locale(acceptLanguage, m.locales)
	verifyURL := VerifyURL(baseURL, tmpl.op(), keyID, nonce)

	subject, body, err := render(tmpl, locale, args{
		Name: name, Email: toEmail, KeyID: keyID, BaseURL: baseURL, VerifyURL: verifyURL,
	})
	if err != nil {
		return apierr.Wrap(apierr.ErrMailerFailure, err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.Sender)
	msg.SetHeader("To", toEmail)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dial().DialAndSend(msg); err != nil {
		return apierr.Wrap(apierr.ErrMailerFailure, err)
	}
	return nil
}

func (m *Mailer) dial() *gomail.Dialer {
	port := m.cfg.Port
	if port == 0 {
		port = 587
	}
	d := gomail.NewDialer(m.cfg.Host, port, m.cfg.User, m.cfg.Password)
	if (port == 587 || port == 465) && m.cfg.InsecureTLS {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// VerifyURL builds the {base}/api/v1/key?op=...&keyId=...&nonce=... link
// spec §4.3 specifies, embedded in both HKP and REST confirmation emails.
func VerifyURL(base, op, keyID, nonce string) string {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return fmt.Sprintf("%s/api/v1/key?op=%s&keyId=%s&nonce=%s", base, op, keyID, nonce)
	}
	u.Path = path.Join(u.Path, "/api/v1/key")
	q := u.Query()
	q.Set("op", op)
	q.Set("keyId", keyID)
	q.Set("nonce", nonce)
	u.RawQuery = q.Encode()
	return u.String()
}

// Locale picks the first of the Accept-Language header's preferences that
// is in enabled, else enabled's first entry as fallback (spec §6: "first
// match, fallback en").
func Locale(acceptLanguage string, enabled []string) string {
	if len(enabled) == 0 {
		return "en"
	}
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag := strings.TrimSpace(strings.SplitN(strings.SplitN(part, ";", 2)[0], "-", 2)[0])
		if tag == "" {
			continue
		}
		for _, loc := range enabled {
			if strings.EqualFold(loc, tag) {
				return loc
			}
		}
	}
	return enabled[0]
}

var subjects = map[Template]map[string]string{
	TemplateVerifyKey: {
		"en": "Confirm your public key submission",
		"de": "Bestätigen Sie Ihre Schlüsseleinreichung",
	},
	TemplateVerifyRemove: {
		"en": "Confirm key removal",
		"de": "Bestätigen Sie die Schlüssellöschung",
	},
}

var bodies = map[Template]map[string]string{
	TemplateVerifyKey: {
		"en": `Hello{{if .Name}} {{.Name}}{{end}},

You've just submitted a public key ({{.KeyID}}) to this key server under
the address {{.Email}}. To finish publishing it, confirm you control this
address by visiting:

{{.VerifyURL}}

If you did not submit this key, ignore this message.
`,
		"de": `Hallo{{if .Name}} {{.Name}}{{end}},

Sie haben soeben einen öffentlichen Schlüssel ({{.KeyID}}) für die Adresse
{{.Email}} auf diesem Schlüsselserver eingereicht. Um die Veröffentlichung
abzuschließen, bestätigen Sie bitte, dass Sie diese Adresse kontrollieren:

{{.VerifyURL}}

Falls Sie diesen Schlüssel nicht eingereicht haben, ignorieren Sie diese
Nachricht bitte.
`,
	},
	TemplateVerifyRemove: {
		"en": `Hello{{if .Name}} {{.Name}}{{end}},

A removal of the public key ({{.KeyID}}) bound to {{.Email}} was requested
on this key server. To confirm the removal, visit:

{{.VerifyURL}}

If you did not request this removal, ignore this message.
`,
		"de": `Hallo{{if .Name}} {{.Name}}{{end}},

Für den öffentlichen Schlüssel ({{.KeyID}}), der mit {{.Email}} verknüpft
ist, wurde eine Entfernung auf diesem Schlüsselserver angefordert. Um die
Entfernung zu bestätigen, besuchen Sie:

{{.VerifyURL}}

Falls Sie diese Entfernung nicht angefordert haben, ignorieren Sie diese
Nachricht bitte.
`,
	},
}

func render(tmpl Template, locale string, a args) (subject, body string, err error) {
	subject = subjects[tmpl][locale]
	if subject == "" {
		subject = subjects[tmpl]["en"]
	}
	raw := bodies[tmpl][locale]
	if raw == "" {
		raw = bodies[tmpl]["en"]
	}

	t, err := template.New(string(tmpl) + "." + locale).Parse(raw)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, a); err != nil {
		return "", "", err
	}
	return subject, b.String(), nil
}
