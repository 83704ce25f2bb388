package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/oauth"
	"cloud-login/internal/service"
)

// FlowHandler expone los pasos del flujo interactivo como JSON.
type FlowHandler struct {
	logger   *zap.Logger
	process  *service.SignInProcess
	users    sessionUsers
	oauth    *oauth.Registry
	state    oauth.StateSigner
	loginURL string
}

// NewFlowHandler crea una instancia de FlowHandler con dependencias necesarias.
func NewFlowHandler(
	logger *zap.Logger,
	process *service.SignInProcess,
	sessions *service.SessionService,
	cookies CookieConfig,
	registry *oauth.Registry,
	state oauth.StateSigner,
	loginPageURL string,
) *FlowHandler {
	return &FlowHandler{
		logger:   logger,
		process:  process,
		users:    sessionUsers{logger: logger, sessions: sessions, cookies: cookies},
		oauth:    registry,
		state:    state,
		loginURL: loginPageURL,
	}
}

type flowError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	CanResend bool   `json:"can_resend,omitempty"`
}

type profileView struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DisplayName string `json:"displayName"`
}

type flowView struct {
	ID            string                `json:"id"`
	Step          domain.FlowStep       `json:"step"`
	ActionState   domain.ActionState    `json:"actionState"`
	Contact       string                `json:"contact,omitempty"`
	Format        domain.Format         `json:"format,omitempty"`
	Providers     []domain.ProviderCode `json:"providers"`
	Provider      domain.ProviderCode   `json:"provider,omitempty"`
	CodeExpiresAt *time.Time            `json:"codeExpiresAt,omitempty"`
	Profile       *profileView          `json:"profile,omitempty"`
	Error         *flowError            `json:"error,omitempty"`
	Redirect      string                `json:"redirect,omitempty"`
}

func newFlowView(flow domain.FlowState) flowView {
	v := flowView{
		ID:          flow.ID,
		Step:        flow.Step,
		ActionState: flow.ActionState,
		Contact:     flow.Contact.Normalized,
		Format:      flow.Contact.Format,
		Providers:   flow.Providers,
		Provider:    flow.Provider,
	}
	if v.Providers == nil {
		v.Providers = []domain.ProviderCode{}
	}
	if flow.Code != nil {
		expiresAt := flow.Code.ExpiresAt
		v.CodeExpiresAt = &expiresAt
	}
	if flow.Pending != nil && flow.Step == domain.StepRegistration {
		v.Profile = &profileView{
			FirstName:   flow.Pending.FirstName,
			LastName:    flow.Pending.LastName,
			DisplayName: flow.Pending.DisplayName,
		}
	}
	if flow.ErrorType != "" {
		canResend := flow.ErrorType == "expired" ||
			(flow.ErrorType == "too_many_attempts" && flow.Step == domain.StepCodeVerification)
		v.Error = &flowError{
			Type:      flow.ErrorType,
			Message:   flow.ErrorMessage,
			CanResend: canResend,
		}
	}
	return v
}

// Start maneja POST /flow.
func (h *FlowHandler) Start(c *gin.Context) {
	var req struct {
		ReturnURL    string `json:"returnUrl" binding:"required"`
		ActionState  string `json:"actionState"`
		KeepSignedIn bool   `json:"keepSignedIn"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid start flow request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	currentUserID, err := h.users.currentUserID(c)
	if err != nil {
		h.fail(c, service.StepOutcome{}, err)
		return
	}
	out, err := h.process.Start(c.Request.Context(), service.StartInput{
		ReturnURL:     req.ReturnURL,
		ActionState:   req.ActionState,
		KeepSignedIn:  req.KeepSignedIn,
		CurrentUserID: currentUserID,
	})
	if err != nil {
		h.fail(c, out, err)
		return
	}
	c.JSON(http.StatusCreated, newFlowView(out.Flow))
}

// Get maneja GET /flow/:id.
func (h *FlowHandler) Get(c *gin.Context) {
	flow, err := h.process.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, service.StepOutcome{}, err)
		return
	}
	c.JSON(http.StatusOK, newFlowView(flow))
}

// SubmitInput maneja POST /flow/:id/input.
func (h *FlowHandler) SubmitInput(c *gin.Context) {
	var req struct {
		Contact string `json:"contact"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.process.SubmitInput(c.Request.Context(), c.Param("id"), req.Contact)
	h.respond(c, out, err)
}

// ChooseProvider maneja POST /flow/:id/provider.
func (h *FlowHandler) ChooseProvider(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.process.ChooseProvider(c.Request.Context(), c.Param("id"), req.Provider)
	h.respond(c, out, err)
}

// SubmitCode maneja POST /flow/:id/code.
func (h *FlowHandler) SubmitCode(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.process.SubmitCode(c.Request.Context(), c.Param("id"), req.Code)
	h.respond(c, out, err)
}

// ResendCode maneja POST /flow/:id/code/resend.
func (h *FlowHandler) ResendCode(c *gin.Context) {
	out, err := h.process.ResendCode(c.Request.Context(), c.Param("id"))
	h.respond(c, out, err)
}

// SubmitPassword maneja POST /flow/:id/password.
func (h *FlowHandler) SubmitPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.process.SubmitPassword(c.Request.Context(), c.Param("id"), req.Password)
	h.respond(c, out, err)
}

// SubmitRegistration maneja POST /flow/:id/registration.
func (h *FlowHandler) SubmitRegistration(c *gin.Context) {
	var req struct {
		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.process.SubmitRegistration(c.Request.Context(), c.Param("id"), service.RegistrationInput{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	h.respond(c, out, err)
}

// ChangePrimary maneja POST /flow/:id/primary.
func (h *FlowHandler) ChangePrimary(c *gin.Context) {
	var req struct {
		Input string `json:"input" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	out, err := h.process.ChangePrimary(c.Request.Context(), c.Param("id"), req.Input)
	h.respond(c, out, err)
}

// Back maneja POST /flow/:id/back.
func (h *FlowHandler) Back(c *gin.Context) {
	out, err := h.process.Back(c.Request.Context(), c.Param("id"))
	h.respond(c, out, err)
}

func (h *FlowHandler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.logger.Warn("invalid flow request", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

// respond completa los pasos terminales: handoff deja la sesion puesta y
// apunta a /result, challenge apunta al proveedor externo.
func (h *FlowHandler) respond(c *gin.Context, out service.StepOutcome, err error) {
	if err != nil {
		h.fail(c, out, err)
		return
	}
	view := newFlowView(out.Flow)
	switch out.Flow.Step {
	case domain.StepChallenge:
		redirect, err := challengeURL(c, h.oauth, h.state, h.users.cookies, out.Flow)
		if err != nil {
			h.logger.Error("build challenge url failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "provider not configured"})
			return
		}
		view.Redirect = redirect
	case domain.StepHandoff:
		if out.User == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if err := h.users.establish(c, *out.User, out.Flow.KeepSignedIn); err != nil {
			h.logger.Error("establish session failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not establish session"})
			return
		}
		view.Redirect = resultURL(out.Flow)
		h.process.Finish(c.Request.Context(), out.Flow.ID)
	case domain.StepDone:
		if out.User != nil {
			if err := h.users.establish(c, *out.User, out.Flow.KeepSignedIn); err != nil {
				h.logger.Warn("refresh session failed", zap.Error(err))
			}
		}
		view.Redirect = out.Flow.ReturnURL
		h.process.Finish(c.Request.Context(), out.Flow.ID)
	}
	c.JSON(http.StatusOK, view)
}

func (h *FlowHandler) fail(c *gin.Context, out service.StepOutcome, err error) {
	status := statusFor(err)
	if out.Flow.ID != "" && service.IsRecoverable(err) {
		c.JSON(status, newFlowView(out.Flow))
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("flow request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body := gin.H{"error": publicMessage(err), "type": service.ErrorType(err)}
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		body["error"] = verr.Message
	}
	if errors.Is(err, service.ErrFlowNotFound) {
		body["redirect"] = h.loginURL
	}
	c.JSON(status, body)
}

// resultURL apunta al handoff terminal con los parametros del flujo.
func resultURL(flow domain.FlowState) string {
	q := url.Values{}
	q.Set("returnUrl", flow.ReturnURL)
	q.Set("actionState", string(flow.ActionState))
	q.Set("keepSignedIn", strconv.FormatBool(flow.KeepSignedIn))
	return "/result?" + q.Encode()
}

// challengeURL arma la URL del proveedor y deja el nonce del state en una cookie.
func challengeURL(c *gin.Context, registry *oauth.Registry, state oauth.StateSigner, cookies CookieConfig, flow domain.FlowState) (string, error) {
	provider, err := registry.Get(flow.Provider)
	if err != nil {
		return "", err
	}
	nonce, err := oauth.NewNonce()
	if err != nil {
		return "", err
	}
	cookies.setOAuthNonce(c, nonce)
	return provider.AuthURL(state.Make(flow.ID, nonce)), nil
}
