package http

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/service"
)

const sessionClaimsKey = "session_claims"

// SessionMiddleware lee la cookie de sesion y guarda los claims en el
// contexto. No aborta: cada handler decide si la sesion es obligatoria.
func SessionMiddleware(sessions *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookieName)
		if err == nil && token != "" {
			if claims, err := sessions.Parse(token); err == nil {
				c.Set(sessionClaimsKey, claims)
			}
		}
		c.Next()
	}
}

// GetSessionClaims obtiene los claims de la sesion desde el contexto.
func GetSessionClaims(c *gin.Context) (service.SessionClaims, bool) {
	val, ok := c.Get(sessionClaimsKey)
	if !ok {
		return service.SessionClaims{}, false
	}
	claims, ok := val.(service.SessionClaims)
	return claims, ok
}

// sessionUsers resuelve el usuario de la sesion actual, reemitiendo la cookie
// cuando la sesion todavia no paso por Transform.
type sessionUsers struct {
	logger   *zap.Logger
	sessions *service.SessionService
	cookies  CookieConfig
}

func (s sessionUsers) current(c *gin.Context) (domain.User, error) {
	claims, ok := GetSessionClaims(c)
	if !ok {
		return domain.User{}, service.ErrSessionRequired
	}
	user, reissued, err := s.sessions.Transform(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrSessionInvalid) {
			s.cookies.clear(c)
			return domain.User{}, service.ErrSessionRequired
		}
		return domain.User{}, err
	}
	if reissued != nil {
		s.cookies.setSession(c, *reissued)
		c.Set(sessionClaimsKey, reparse(s.sessions, reissued.Token, claims))
	}
	return user, nil
}

func (s sessionUsers) establish(c *gin.Context, user domain.User, keepSignedIn bool) error {
	session, err := s.sessions.Establish(user, keepSignedIn)
	if err != nil {
		return err
	}
	s.cookies.setSession(c, session)
	return nil
}

func (s sessionUsers) currentUserID(c *gin.Context) (string, error) {
	if _, ok := GetSessionClaims(c); !ok {
		return "", nil
	}
	user, err := s.current(c)
	if errors.Is(err, service.ErrSessionRequired) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func reparse(sessions *service.SessionService, token string, fallback service.SessionClaims) service.SessionClaims {
	claims, err := sessions.Parse(token)
	if err != nil {
		return fallback
	}
	return claims
}
