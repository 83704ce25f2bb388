package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/repository"
)

const (
	defaultFlowTTL = 30 * time.Minute

	// passwords rechazados tolerados por flujo.
	maxPasswordFails = 5
)

// StartInput son los parametros fijos de un flujo.
type StartInput struct {
	ReturnURL     string
	ActionState   string
	KeepSignedIn  bool
	CurrentUserID string
}

// RegistrationInput son los datos del paso Registration.
type RegistrationInput struct {
	FirstName   string
	LastName    string
	DisplayName string
	Password    string
}

// StepOutcome es el estado del flujo tras un paso. User viene cargado en
// los pasos terminales (handoff, done); External cuando un login OAuth
// todavia no fue resuelto.
type StepOutcome struct {
	Flow     domain.FlowState
	User     *domain.User
	External *domain.ExternalIdentity
}

// SignInProcess es la maquina de estados de sign-in, registro y cambios de cuenta.
type SignInProcess struct {
	logger     *zap.Logger
	flows      repository.FlowStore
	classifier *ContactClassifier
	resolver   *IdentityResolver
	codes      *VerificationCodeService
	passwords  CodeRateLimiter
	catalog    domain.ProviderCatalog
	returnURLs ReturnURLPolicy
	flowTTL    time.Duration
	now        func() time.Time
}

func NewSignInProcess(
	logger *zap.Logger,
	flows repository.FlowStore,
	classifier *ContactClassifier,
	resolver *IdentityResolver,
	codes *VerificationCodeService,
	passwords CodeRateLimiter,
	catalog domain.ProviderCatalog,
	returnURLs ReturnURLPolicy,
	flowTTL time.Duration,
) *SignInProcess {
	if flowTTL <= 0 {
		flowTTL = defaultFlowTTL
	}
	if passwords == nil {
		passwords = NewCodeRateLimiter(15*time.Minute, 10)
	}
	return &SignInProcess{
		logger:     logger,
		flows:      flows,
		classifier: classifier,
		resolver:   resolver,
		codes:      codes,
		passwords:  passwords,
		catalog:    catalog,
		returnURLs: returnURLs,
		flowTTL:    flowTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start crea un flujo nuevo. Las acciones distintas de login requieren sesion.
func (p *SignInProcess) Start(ctx context.Context, in StartInput) (StepOutcome, error) {
	returnURL, err := p.returnURLs.Validate(in.ReturnURL)
	if err != nil {
		return StepOutcome{}, err
	}
	action, err := domain.ParseActionState(in.ActionState)
	if err != nil {
		return StepOutcome{}, newValidationError("actionState", err.Error())
	}
	if action.RequiresCurrentUser() && strings.TrimSpace(in.CurrentUserID) == "" {
		return StepOutcome{}, ErrSessionRequired
	}

	flow := domain.FlowState{
		ID:            uuid.NewString(),
		ActionState:   action,
		ReturnURL:     returnURL,
		KeepSignedIn:  in.KeepSignedIn,
		CurrentUserID: in.CurrentUserID,
		Step:          domain.StepInputValue,
		CreatedAt:     p.now(),
	}

	switch action {
	case domain.ActionUpdateInput:
		user, err := p.resolver.GetByID(ctx, in.CurrentUserID)
		if err != nil {
			return StepOutcome{}, err
		}
		flow.Step = domain.StepRegistration
		flow.Pending = &domain.PendingRegistration{
			UserID:      user.ID,
			FirstName:   user.FirstName,
			LastName:    user.LastName,
			DisplayName: user.DisplayName,
		}
	case domain.ActionChangePrimary:
		if _, err := p.resolver.GetByID(ctx, in.CurrentUserID); err != nil {
			return StepOutcome{}, err
		}
		flow.Step = domain.StepChangePrimary
	}

	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, nil
}

// BeginProvider atiende GET /login/{provider}: arranca el flujo y avanza con
// el contacto y proveedor recibidos.
func (p *SignInProcess) BeginProvider(ctx context.Context, in StartInput, rawContact, rawProvider string) (StepOutcome, error) {
	provider, err := domain.ParseProviderCode(rawProvider)
	if err != nil || !p.catalog.Enabled(provider) {
		return StepOutcome{}, newValidationError("provider", "provider is not available")
	}
	out, err := p.Start(ctx, in)
	if err != nil {
		return StepOutcome{}, err
	}
	flow := out.Flow
	if flow.Step != domain.StepInputValue {
		return StepOutcome{}, newValidationError("actionState", "action does not accept a provider")
	}

	if strings.TrimSpace(rawContact) == "" {
		if !provider.Capabilities().ExternalChallenge {
			return p.fail(ctx, flow, newValidationError("contact", "contact is required for this provider"))
		}
		flow.Provider = provider
		flow.Providers = []domain.ProviderCode{provider}
		flow.Step = domain.StepChallenge
		if err := p.save(ctx, flow); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Flow: flow}, nil
	}

	out, err = p.SubmitInput(ctx, flow.ID, rawContact)
	if err != nil || out.Flow.Step != domain.StepProviders {
		return out, err
	}
	return p.ChooseProvider(ctx, flow.ID, string(provider))
}

// Get devuelve el flujo o ErrFlowNotFound.
func (p *SignInProcess) Get(ctx context.Context, id string) (domain.FlowState, error) {
	flow, err := p.flows.Get(ctx, strings.TrimSpace(id))
	if errors.Is(err, repository.ErrNotFound) {
		return domain.FlowState{}, ErrFlowNotFound
	}
	if err != nil {
		return domain.FlowState{}, transportError("load flow", err)
	}
	return flow, nil
}

// Finish borra el flujo una vez entregado el resultado.
func (p *SignInProcess) Finish(ctx context.Context, id string) {
	if err := p.flows.Delete(ctx, id); err != nil {
		p.logger.Warn("delete finished flow failed", zap.String("flow_id", id), zap.Error(err))
	}
}

// SubmitInput clasifica el contacto y calcula los proveedores ofrecidos.
func (p *SignInProcess) SubmitInput(ctx context.Context, id, raw string) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepInputValue)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()

	contact := p.classifier.Classify(raw)
	switch {
	case contact.Format == domain.FormatOther:
		return p.fail(ctx, flow, newValidationError("contact", "enter a valid email address or phone number"))
	case contact.Format == domain.FormatPhone && !strings.HasPrefix(strings.TrimSpace(raw), "+"):
		return p.fail(ctx, flow, newValidationError("contact", "phone numbers must start with + and the country code"))
	case flow.ActionState == domain.ActionAddNumber && contact.Format != domain.FormatPhone:
		return p.fail(ctx, flow, newValidationError("contact", "enter a phone number"))
	case flow.ActionState == domain.ActionAddEmail && contact.Format != domain.FormatEmail:
		return p.fail(ctx, flow, newValidationError("contact", "enter an email address"))
	}

	existing, err := p.resolver.Lookup(ctx, contact)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return StepOutcome{}, err
	}

	flow.Contact = contact
	flow.ExistingUserID = ""
	flow.Provider = ""
	var offered []domain.ProviderCode
	if flow.ActionState.AddsInput() {
		if found && existing.ID != flow.CurrentUserID {
			return p.fail(ctx, flow, ErrContactInUse)
		}
		var linked *domain.LoginInput
		if found {
			flow.ExistingUserID = existing.ID
			if idx := existing.FindInput(contact.Normalized); idx >= 0 {
				linked = &existing.Inputs[idx]
			}
		}
		offered = p.catalog.Filter(func(code domain.ProviderCode) bool {
			caps := code.Capabilities()
			if !code.Handles(contact.Format) || !(caps.RequiresCode || caps.ExternalChallenge) {
				return false
			}
			return linked == nil || !linked.HasProvider(code)
		})
		if len(offered) == 0 {
			return p.fail(ctx, flow, newValidationError("contact", "contact is already linked to your account"))
		}
	} else {
		if found {
			flow.ExistingUserID = existing.ID
			offered = p.userProviders(existing, contact.Format)
		}
		if len(offered) == 0 {
			offered = p.formatProviders(contact.Format)
		}
		if len(offered) == 0 {
			return p.fail(ctx, flow, newValidationError("contact", "no sign-in method is available for this contact"))
		}
	}

	flow.Providers = offered
	flow.Step = domain.StepProviders
	if found && !flow.ActionState.AddsInput() && len(offered) == 1 && offered[0].Capabilities().ExternalChallenge {
		flow.Provider = offered[0]
		flow.Step = domain.StepChallenge
	}
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, nil
}

// ChooseProvider emite el codigo o prepara el challenge externo.
func (p *SignInProcess) ChooseProvider(ctx context.Context, id, raw string) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepProviders)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()

	provider, err := domain.ParseProviderCode(raw)
	if err != nil || !containsProvider(flow.Providers, provider) {
		return p.fail(ctx, flow, newValidationError("provider", "provider is not available for this contact"))
	}
	flow.Provider = provider
	caps := provider.Capabilities()
	switch {
	case caps.RequiresCode:
		issued, err := p.codes.Issue(ctx, flow.Contact, provider.Channel())
		if err != nil {
			return p.fail(ctx, flow, err)
		}
		flow.Code = &issued
		flow.Step = domain.StepCodeVerification
	case caps.RequiresPassword:
		flow.Step = domain.StepPassword
	default:
		flow.Step = domain.StepChallenge
	}
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, nil
}

// ResendCode reemplaza el codigo vigente por uno nuevo.
func (p *SignInProcess) ResendCode(ctx context.Context, id string) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepCodeVerification)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()
	issued, err := p.codes.Issue(ctx, flow.Contact, flow.Provider.Channel())
	if err != nil {
		return p.fail(ctx, flow, err)
	}
	flow.Code = &issued
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, nil
}

// SubmitCode valida el codigo y resuelve la identidad.
func (p *SignInProcess) SubmitCode(ctx context.Context, id, code string) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepCodeVerification)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()

	switch p.codes.Validate(flow.Code, code) {
	case CodeExpired:
		return p.fail(ctx, flow, ErrCodeExpired)
	case CodeLocked:
		return p.fail(ctx, flow, ErrCodeLocked)
	case CodeNotValid:
		return p.fail(ctx, flow, ErrCodeInvalid)
	}
	flow.Code = nil

	if flow.ActionState.AddsInput() {
		user, err := p.resolver.LinkInput(ctx, flow.CurrentUserID, ResolveInput{Contact: flow.Contact, Provider: flow.Provider})
		if err != nil {
			return p.fail(ctx, flow, err)
		}
		return p.handoff(ctx, flow, user)
	}

	if flow.ExistingUserID == "" {
		// contacto nuevo: el usuario se crea en Registration con el perfil completo.
		flow.Pending = &domain.PendingRegistration{
			Input:    flow.Contact.Normalized,
			Format:   flow.Contact.Format,
			Provider: flow.Provider,
		}
		flow.Step = domain.StepRegistration
		if err := p.save(ctx, flow); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Flow: flow}, nil
	}

	user, _, err := p.resolver.Resolve(ctx, ResolveInput{Contact: flow.Contact, Provider: flow.Provider})
	if err != nil {
		return p.fail(ctx, flow, err)
	}
	return p.afterSignIn(ctx, flow, user)
}

// SubmitPassword autentica con el proveedor password. Los intentos se limitan
// por flujo y por contacto.
func (p *SignInProcess) SubmitPassword(ctx context.Context, id, password string) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepPassword)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()
	if flow.PasswordFails >= maxPasswordFails ||
		!p.passwords.Allow(ctx, "password:"+flow.Contact.Normalized) {
		return p.fail(ctx, flow, ErrTooManyAttempts)
	}
	user, err := p.resolver.AuthenticatePassword(ctx, flow.Contact, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			flow.PasswordFails++
		}
		return p.fail(ctx, flow, err)
	}
	return p.afterSignIn(ctx, flow, user)
}

// SubmitRegistration guarda el perfil y termina el registro.
func (p *SignInProcess) SubmitRegistration(ctx context.Context, id string, in RegistrationInput) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepRegistration)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()

	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if flow.Pending != nil {
		flow.Pending.FirstName = in.FirstName
		flow.Pending.LastName = in.LastName
		flow.Pending.DisplayName = in.DisplayName
	}
	switch {
	case in.FirstName == "":
		return p.fail(ctx, flow, newValidationError("firstName", "first name is required"))
	case in.LastName == "":
		return p.fail(ctx, flow, newValidationError("lastName", "last name is required"))
	case in.DisplayName == "":
		return p.fail(ctx, flow, newValidationError("displayName", "display name is required"))
	}

	if flow.ActionState == domain.ActionUpdateInput {
		user, err := p.resolver.UpdateProfile(ctx, flow.CurrentUserID, in.FirstName, in.LastName, in.DisplayName)
		if err != nil {
			return p.fail(ctx, flow, err)
		}
		flow.Step = domain.StepDone
		flow.ResolvedUserID = user.ID
		if err := p.save(ctx, flow); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Flow: flow, User: &user}, nil
	}

	if flow.Pending == nil {
		return StepOutcome{}, newValidationError("step", "registration has no pending contact")
	}
	passwordHash := ""
	if in.Password != "" {
		if !p.catalog.Enabled(domain.ProviderPassword) {
			return p.fail(ctx, flow, newValidationError("password", "password sign-in is not available"))
		}
		passwordHash, err = p.resolver.HashPassword(in.Password)
		if err != nil {
			return p.fail(ctx, flow, err)
		}
	}

	var user domain.User
	if flow.Pending.UserID != "" {
		user, err = p.resolver.UpdateProfile(ctx, flow.Pending.UserID, in.FirstName, in.LastName, in.DisplayName)
	} else {
		user, _, err = p.resolver.Resolve(ctx, ResolveInput{
			Contact:     flow.Contact,
			Provider:    flow.Pending.Provider,
			Identifier:  flow.Pending.Identifier,
			FirstName:   in.FirstName,
			LastName:    in.LastName,
			DisplayName: in.DisplayName,
		})
	}
	if err != nil {
		return p.fail(ctx, flow, err)
	}
	if passwordHash != "" {
		user, _, err = p.resolver.Resolve(ctx, ResolveInput{
			Contact:      flow.Contact,
			Provider:     domain.ProviderPassword,
			PasswordHash: passwordHash,
		})
		if err != nil {
			return p.fail(ctx, flow, err)
		}
	}
	return p.handoff(ctx, flow, user)
}

// ChangePrimary marca un input como primario de su formato.
func (p *SignInProcess) ChangePrimary(ctx context.Context, id, input string) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepChangePrimary)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()
	contact := p.classifier.Classify(input)
	if contact.Format == domain.FormatOther {
		return p.fail(ctx, flow, newValidationError("input", "enter a valid email address or phone number"))
	}
	user, err := p.resolver.SetPrimary(ctx, flow.CurrentUserID, contact.Normalized)
	if err != nil {
		return p.fail(ctx, flow, err)
	}
	flow.Step = domain.StepDone
	flow.ResolvedUserID = user.ID
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow, User: &user}, nil
}

// Back vuelve a InputValue sin invalidar el codigo ya emitido.
func (p *SignInProcess) Back(ctx context.Context, id string) (StepOutcome, error) {
	flow, err := p.Get(ctx, id)
	if err != nil {
		return StepOutcome{}, err
	}
	switch flow.Step {
	case domain.StepProviders, domain.StepCodeVerification, domain.StepPassword, domain.StepChallenge:
	case domain.StepRegistration:
		if flow.ActionState == domain.ActionUpdateInput {
			return StepOutcome{}, newValidationError("step", "cannot go back from this step")
		}
	default:
		return StepOutcome{}, newValidationError("step", "cannot go back from this step")
	}
	flow.ClearError()
	flow.Step = domain.StepInputValue
	flow.Providers = nil
	flow.Provider = ""
	flow.Pending = nil
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, nil
}

// CompleteExternal cierra un challenge OAuth. En login la identidad se
// devuelve sin resolver para que la sesion externa pase por Transform; en
// las acciones de alta se vincula al usuario actual.
func (p *SignInProcess) CompleteExternal(ctx context.Context, id string, identity domain.ExternalIdentity) (StepOutcome, error) {
	flow, err := p.load(ctx, id, domain.StepChallenge)
	if err != nil {
		return StepOutcome{}, err
	}
	flow.ClearError()
	if identity.Provider != flow.Provider {
		return StepOutcome{}, newValidationError("provider", "provider does not match the sign-in attempt")
	}
	contact := p.classifier.Classify(identity.Email)
	if contact.Format != domain.FormatEmail {
		return p.fail(ctx, flow, newValidationError("email", "the provider did not return a valid email"))
	}
	if flow.Contact.Normalized != "" && flow.Contact.Normalized != contact.Normalized {
		return p.fail(ctx, flow, newValidationError("email", "signed in with a different account than the one entered"))
	}
	flow.Contact = contact

	if !flow.ActionState.AddsInput() {
		flow.Step = domain.StepHandoff
		if err := p.save(ctx, flow); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Flow: flow, External: &identity}, nil
	}

	user, err := p.resolver.LinkInput(ctx, flow.CurrentUserID, ResolveInput{
		Contact:     contact,
		Provider:    identity.Provider,
		Identifier:  identity.Subject,
		FirstName:   identity.FirstName,
		LastName:    identity.LastName,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		return p.fail(ctx, flow, err)
	}
	return p.handoff(ctx, flow, user)
}

func (p *SignInProcess) afterSignIn(ctx context.Context, flow domain.FlowState, user domain.User) (StepOutcome, error) {
	if user.HasProfile() {
		return p.handoff(ctx, flow, user)
	}
	flow.Pending = &domain.PendingRegistration{
		UserID:   user.ID,
		Input:    flow.Contact.Normalized,
		Format:   flow.Contact.Format,
		Provider: flow.Provider,
	}
	flow.Step = domain.StepRegistration
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, nil
}

func (p *SignInProcess) handoff(ctx context.Context, flow domain.FlowState, user domain.User) (StepOutcome, error) {
	flow.Step = domain.StepHandoff
	flow.ResolvedUserID = user.ID
	flow.Pending = nil
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	p.logger.Info("sign-in flow resolved",
		zap.String("flow_id", flow.ID),
		zap.String("action", string(flow.ActionState)),
		zap.String("user_id", user.ID))
	return StepOutcome{Flow: flow, User: &user}, nil
}

// userProviders son los proveedores vinculados por el usuario que siguen
// habilitados y aceptan el formato del contacto.
func (p *SignInProcess) userProviders(user domain.User, format domain.Format) []domain.ProviderCode {
	linked := make(map[domain.ProviderCode]struct{})
	for _, code := range user.ProviderCodes() {
		linked[code] = struct{}{}
	}
	return p.catalog.Filter(func(code domain.ProviderCode) bool {
		_, ok := linked[code]
		return ok && code.Handles(format)
	})
}

// formatProviders ofrece todo lo habilitado para el formato salvo password,
// que solo aparece si el usuario ya lo vinculo.
func (p *SignInProcess) formatProviders(format domain.Format) []domain.ProviderCode {
	return p.catalog.Filter(func(code domain.ProviderCode) bool {
		return code.Handles(format) && !code.Capabilities().RequiresPassword
	})
}

func (p *SignInProcess) load(ctx context.Context, id string, step domain.FlowStep) (domain.FlowState, error) {
	flow, err := p.Get(ctx, id)
	if err != nil {
		return domain.FlowState{}, err
	}
	if flow.Step != step {
		return domain.FlowState{}, newValidationError("step", "the sign-in attempt is not waiting for this step")
	}
	return flow, nil
}

// fail guarda los errores recuperables en el flujo para mostrarlos en el mismo paso.
func (p *SignInProcess) fail(ctx context.Context, flow domain.FlowState, cause error) (StepOutcome, error) {
	if !IsRecoverable(cause) {
		p.logger.Error("sign-in step failed",
			zap.String("flow_id", flow.ID),
			zap.String("step", string(flow.Step)),
			zap.Error(cause))
		return StepOutcome{}, cause
	}
	p.logger.Warn("sign-in step rejected",
		zap.String("flow_id", flow.ID),
		zap.String("step", string(flow.Step)),
		zap.String("error_type", ErrorType(cause)))
	flow.ErrorType = ErrorType(cause)
	flow.ErrorMessage = userMessage(cause)
	if err := p.save(ctx, flow); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Flow: flow}, cause
}

func (p *SignInProcess) save(ctx context.Context, flow domain.FlowState) error {
	if err := p.flows.Save(ctx, flow, p.flowTTL); err != nil {
		return transportError("save flow", err)
	}
	return nil
}

func containsProvider(list []domain.ProviderCode, code domain.ProviderCode) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}

func userMessage(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	switch ErrorType(err) {
	case "not_valid":
		return "the code is not valid"
	case "expired":
		return "the code has expired, request a new one"
	case "invalid_credentials":
		return "the password is not correct"
	case "too_many_attempts":
		if errors.Is(err, ErrCodeLocked) {
			return "too many failed attempts, request a new code"
		}
		return "too many failed attempts, try again later"
	case "rate_limited":
		return "too many codes requested, try again later"
	case "conflict":
		return "this contact is already linked to another account"
	default:
		return "something went wrong, try again later"
	}
}
