package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/oauth"
	"cloud-login/internal/service"
)

// LoginHandler atiende el limite con la aplicacion cliente: entrada por
// proveedor, callback OAuth, handoff y canje del token.
type LoginHandler struct {
	logger     *zap.Logger
	process    *service.SignInProcess
	broker     *service.LoginRequestBroker
	users      sessionUsers
	returnURLs service.ReturnURLPolicy
	oauth      *oauth.Registry
	state      oauth.StateSigner
	loginURL   string
}

// NewLoginHandler crea una instancia de LoginHandler con dependencias necesarias.
func NewLoginHandler(
	logger *zap.Logger,
	process *service.SignInProcess,
	broker *service.LoginRequestBroker,
	sessions *service.SessionService,
	cookies CookieConfig,
	returnURLs service.ReturnURLPolicy,
	registry *oauth.Registry,
	state oauth.StateSigner,
	loginPageURL string,
) *LoginHandler {
	return &LoginHandler{
		logger:     logger,
		process:    process,
		broker:     broker,
		users:      sessionUsers{logger: logger, sessions: sessions, cookies: cookies},
		returnURLs: returnURLs,
		oauth:      registry,
		state:      state,
		loginURL:   loginPageURL,
	}
}

// Login maneja GET /login/:provider.
func (h *LoginHandler) Login(c *gin.Context) {
	ctx := c.Request.Context()
	currentUserID, err := h.users.currentUserID(c)
	if err != nil {
		h.redirectError(c, err)
		return
	}
	keep, _ := strconv.ParseBool(c.Query("keepSignedIn"))
	out, err := h.process.BeginProvider(ctx, service.StartInput{
		ReturnURL:     c.Query("returnUrl"),
		ActionState:   c.Query("actionState"),
		KeepSignedIn:  keep,
		CurrentUserID: currentUserID,
	}, c.Query("contact"), c.Param("provider"))
	if err != nil {
		if out.Flow.ID != "" {
			c.Redirect(http.StatusFound, service.WithQuery(h.loginURL, "flow", out.Flow.ID))
			return
		}
		h.redirectError(c, err)
		return
	}

	if out.Flow.Step == domain.StepChallenge {
		redirect, err := challengeURL(c, h.oauth, h.state, h.users.cookies, out.Flow)
		if err != nil {
			h.logger.Error("build challenge url failed", zap.Error(err))
			h.redirectError(c, err)
			return
		}
		c.Redirect(http.StatusFound, redirect)
		return
	}
	// los pasos con codigo o password siguen en la pagina de login.
	c.Redirect(http.StatusFound, service.WithQuery(h.loginURL, "flow", out.Flow.ID))
}

// OAuthCallback maneja GET /oauth/:provider/callback.
func (h *LoginHandler) OAuthCallback(c *gin.Context) {
	ctx := c.Request.Context()
	flowID, nonce, ok := h.state.Verify(c.Query("state"))
	if !ok {
		h.logger.Warn("oauth callback with invalid state")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	if !h.users.cookies.checkOAuthNonce(c, nonce) {
		h.logger.Warn("oauth callback from a browser that did not start the challenge", zap.String("flow_id", flowID))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	if c.Query("error") != "" {
		h.logger.Info("oauth challenge cancelled", zap.String("error", c.Query("error")))
		c.Redirect(http.StatusFound, service.WithQuery(h.loginURL, "flow", flowID))
		return
	}
	code, err := domain.ParseProviderCode(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	provider, err := h.oauth.Get(code)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	identity, err := provider.Exchange(ctx, c.Query("code"))
	if err != nil {
		h.logger.Error("oauth exchange failed", zap.String("provider", string(code)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not complete sign-in with provider"})
		return
	}

	out, err := h.process.CompleteExternal(ctx, flowID, identity)
	if err != nil {
		if out.Flow.ID != "" {
			c.Redirect(http.StatusFound, service.WithQuery(h.loginURL, "flow", out.Flow.ID))
			return
		}
		h.redirectError(c, err)
		return
	}

	switch {
	case out.External != nil:
		session, err := h.users.sessions.EstablishExternal(*out.External, out.Flow.KeepSignedIn)
		if err != nil {
			h.logger.Error("establish external session failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not establish session"})
			return
		}
		h.users.cookies.setSession(c, session)
	case out.User != nil:
		if err := h.users.establish(c, *out.User, out.Flow.KeepSignedIn); err != nil {
			h.logger.Error("establish session failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not establish session"})
			return
		}
	}
	h.process.Finish(ctx, out.Flow.ID)
	c.Redirect(http.StatusFound, resultURL(out.Flow))
}

// Result maneja GET /result: toma la sesion, emite el token y redirige a la
// aplicacion cliente con requestId.
func (h *LoginHandler) Result(c *gin.Context) {
	returnURL, err := h.returnURLs.Validate(c.Query("returnUrl"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid return url"})
		return
	}
	user, err := h.users.current(c)
	if err != nil {
		if errors.Is(err, service.ErrSessionRequired) {
			c.Redirect(http.StatusFound, service.WithQuery(h.loginURL, "returnUrl", returnURL))
			return
		}
		h.respondError(c, err)
		return
	}
	h.handoff(c, user, returnURL)
}

// SilentLogin maneja GET /login/silent: solo hace handoff si hay una sesion
// recordada, si no vuelve con error=login_required.
func (h *LoginHandler) SilentLogin(c *gin.Context) {
	returnURL, err := h.returnURLs.Validate(c.Query("returnUrl"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid return url"})
		return
	}
	if !remembered(c) {
		c.Redirect(http.StatusFound, service.WithQuery(returnURL, "error", "login_required"))
		return
	}
	user, err := h.users.current(c)
	if err != nil {
		if errors.Is(err, service.ErrSessionRequired) {
			c.Redirect(http.StatusFound, service.WithQuery(returnURL, "error", "login_required"))
			return
		}
		h.respondError(c, err)
		return
	}
	h.handoff(c, user, returnURL)
}

// Redeem maneja GET /request/redeem; lo llama el backend de la aplicacion cliente.
func (h *LoginHandler) Redeem(c *gin.Context) {
	user, err := h.broker.Redeem(c.Request.Context(), c.Query("requestId"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "login request not found"})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// WhoAmI maneja GET /whoami.
func (h *LoginHandler) WhoAmI(c *gin.Context) {
	user, err := h.users.current(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// IsAuthenticated maneja GET /is-authenticated.
func (h *LoginHandler) IsAuthenticated(c *gin.Context) {
	_, ok := GetSessionClaims(c)
	c.JSON(http.StatusOK, gin.H{"authenticated": ok})
}

// Logout maneja POST /logout.
func (h *LoginHandler) Logout(c *gin.Context) {
	h.users.cookies.clear(c)
	c.Status(http.StatusNoContent)
}

func (h *LoginHandler) handoff(c *gin.Context, user domain.User, returnURL string) {
	requestID, err := h.broker.Mint(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, service.WithQuery(returnURL, "requestId", requestID))
}

func (h *LoginHandler) redirectError(c *gin.Context, err error) {
	if statusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("login request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.Redirect(http.StatusFound, service.WithQuery(h.loginURL, "error", service.ErrorType(err)))
}

func (h *LoginHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("login request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": publicMessage(err), "type": service.ErrorType(err)})
}
