package platform

import (
	"net/http"
	"time"
)

// HTTPCookieJar implements CookieJar over one HTTP exchange: reads come from
// the inbound request, writes go to the response. Cookies are scoped to the
// configured parent domain so sibling subdomains can read them.
type HTTPCookieJar struct {
	req    *http.Request
	w      http.ResponseWriter
	domain string
	secure bool
	now    func() time.Time
}

// NewHTTPCookieJar returns a CookieJar bound to req and w. domain is the
// parent domain the cookies are scoped to (e.g. ".example.com").
func NewHTTPCookieJar(req *http.Request, w http.ResponseWriter, domain string, secure bool) *HTTPCookieJar {
	return &HTTPCookieJar{req: req, w: w, domain: domain, secure: secure, now: time.Now}
}

func (j *HTTPCookieJar) GetCookie(name string) string {
	c, err := j.req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (j *HTTPCookieJar) SetCookie(name, value string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   j.domain,
		Secure:   j.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.Expires = j.now().Add(ttl)
		c.MaxAge = int(ttl / time.Second)
	}
	http.SetCookie(j.w, c)
}

func (j *HTTPCookieJar) ClearCookie(name string) {
	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   j.domain,
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// MemoryCookieJar is an in-memory CookieJar for tests.
type MemoryCookieJar struct {
	cookies map[string]string
}

func NewMemoryCookieJar() *MemoryCookieJar {
	return &MemoryCookieJar{cookies: make(map[string]string)}
}

func (j *MemoryCookieJar) GetCookie(name string) string { return j.cookies[name] }

func (j *MemoryCookieJar) SetCookie(name, value string, _ time.Duration) { j.cookies[name] = value }

func (j *MemoryCookieJar) ClearCookie(name string) { delete(j.cookies, name) }
