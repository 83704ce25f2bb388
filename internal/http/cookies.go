package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cloud-login/internal/service"
)

const (
	sessionCookieName  = "cl_session"
	rememberCookieName = "cl_remember"
	nonceCookieName    = "cl_oauth_nonce"

	nonceCookiePath   = "/oauth/"
	nonceCookieMaxAge = 10 * 60
)

// CookieConfig fija dominio y flags de las cookies del dominio de login.
type CookieConfig struct {
	Domain string
	Secure bool
}

// setSession escribe la credencial; las sesiones persistentes llevan MaxAge y
// la cookie de remember, las transitorias son cookies de sesion del browser.
func (cc CookieConfig) setSession(c *gin.Context, s service.Session) {
	maxAge := 0
	if s.Persistent {
		maxAge = int(time.Until(s.ExpiresAt).Seconds())
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, s.Token, maxAge, "/", cc.Domain, cc.Secure, true)
	if s.Persistent {
		c.SetCookie(rememberCookieName, "1", maxAge, "/", cc.Domain, cc.Secure, true)
	} else {
		c.SetCookie(rememberCookieName, "", -1, "/", cc.Domain, cc.Secure, true)
	}
}

func (cc CookieConfig) clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, "", -1, "/", cc.Domain, cc.Secure, true)
	c.SetCookie(rememberCookieName, "", -1, "/", cc.Domain, cc.Secure, true)
}

// setOAuthNonce liga el challenge al browser. Lax deja que la cookie viaje en
// la redireccion GET de vuelta desde el proveedor.
func (cc CookieConfig) setOAuthNonce(c *gin.Context, nonce string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(nonceCookieName, nonce, nonceCookieMaxAge, nonceCookiePath, cc.Domain, cc.Secure, true)
}

// checkOAuthNonce compara el nonce del state con la cookie y la consume.
func (cc CookieConfig) checkOAuthNonce(c *gin.Context, nonce string) bool {
	got, err := c.Cookie(nonceCookieName)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(nonceCookieName, "", -1, nonceCookiePath, cc.Domain, cc.Secure, true)
	if err != nil || got == "" || nonce == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(nonce)) == 1
}

func remembered(c *gin.Context) bool {
	v, err := c.Cookie(rememberCookieName)
	return err == nil && v == "1"
}
