package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/repository"
)

const testReturnURL = "https://app.example.com/signed-in"

type processFixture struct {
	process  *SignInProcess
	resolver *IdentityResolver
	users    *repository.MemoryIdentityStore
	mail     *mockEmailSender
	wa       *mockWhatsAppSender
	clock    *fakeClock
	pub      *recordingPublisher
}

func newProcessFixture(t *testing.T, providers ...string) *processFixture {
	t.Helper()
	if len(providers) == 0 {
		providers = []string{"google", "microsoft", "whatsapp", "code", "password"}
	}
	catalog, err := domain.NewProviderCatalog(providers)
	require.NoError(t, err)

	f := &processFixture{
		users: repository.NewMemoryIdentityStore(),
		mail:  &mockEmailSender{},
		wa:    &mockWhatsAppSender{},
		clock: newFakeClock(),
		pub:   &recordingPublisher{},
	}
	f.resolver = newTestResolver(f.users, f.pub)
	codes := NewVerificationCodeService(zap.NewNop(), f.mail, f.wa, NewCodeRateLimiter(time.Minute, 100), 5*time.Minute, 6)
	codes.now = f.clock.Now
	f.process = NewSignInProcess(
		zap.NewNop(),
		repository.NewMemoryFlowStore(),
		NewContactClassifier("US"),
		f.resolver,
		codes,
		NewCodeRateLimiter(time.Minute, 100),
		catalog,
		NewReturnURLPolicy([]string{"app.example.com"}),
		time.Hour,
	)
	f.process.now = f.clock.Now
	return f
}

func (f *processFixture) start(t *testing.T, action, currentUserID string) domain.FlowState {
	t.Helper()
	out, err := f.process.Start(context.Background(), StartInput{
		ReturnURL:     testReturnURL,
		ActionState:   action,
		CurrentUserID: currentUserID,
	})
	require.NoError(t, err)
	return out.Flow
}

func (f *processFixture) seedUser(t *testing.T, contact string, provider domain.ProviderCode, passwordHash string) domain.User {
	t.Helper()
	user, _, err := f.resolver.Resolve(context.Background(), ResolveInput{
		Contact:      emailContact(contact),
		Provider:     provider,
		Identifier:   "ext-" + contact,
		PasswordHash: passwordHash,
		FirstName:    "Ana",
		LastName:     "Diaz",
		DisplayName:  "ana",
	})
	require.NoError(t, err)
	return user
}

func TestSignInNewEmailRegistersAfterCode(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	flow := f.start(t, "", "")
	assert.Equal(t, domain.StepInputValue, flow.Step)
	assert.Equal(t, domain.ActionLogin, flow.ActionState)

	out, err := f.process.SubmitInput(ctx, flow.ID, "  New.User@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, domain.StepProviders, out.Flow.Step)
	assert.Equal(t, []domain.ProviderCode{domain.ProviderGoogle, domain.ProviderMicrosoft, domain.ProviderEmailCode}, out.Flow.Providers)

	out, err = f.process.ChooseProvider(ctx, flow.ID, "code")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCodeVerification, out.Flow.Step)
	assert.Equal(t, "new.user@example.com", f.mail.lastTo)
	code := f.mail.lastCode

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	out, err = f.process.SubmitCode(ctx, flow.ID, wrong)
	assert.ErrorIs(t, err, ErrCodeInvalid)
	assert.Equal(t, domain.StepCodeVerification, out.Flow.Step)
	assert.Equal(t, "not_valid", out.Flow.ErrorType)

	out, err = f.process.SubmitCode(ctx, flow.ID, code)
	require.NoError(t, err)
	assert.Equal(t, domain.StepRegistration, out.Flow.Step)
	assert.Empty(t, out.Flow.ErrorType)
	_, err = f.resolver.Lookup(ctx, emailContact("new.user@example.com"))
	assert.ErrorIs(t, err, ErrNotFound, "user is only created when registration completes")

	out, err = f.process.SubmitRegistration(ctx, flow.ID, RegistrationInput{FirstName: "New", LastName: "User"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "displayName", verr.Field)
	assert.Equal(t, domain.StepRegistration, out.Flow.Step)

	out, err = f.process.SubmitRegistration(ctx, flow.ID, RegistrationInput{
		FirstName:   "New",
		LastName:    "User",
		DisplayName: "newbie",
		Password:    "long enough",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
	require.NotNil(t, out.User)
	assert.Equal(t, "newbie", out.User.DisplayName)
	require.Len(t, out.User.Inputs, 1)
	assert.True(t, out.User.Inputs[0].IsPrimary)
	assert.True(t, out.User.Inputs[0].HasProvider(domain.ProviderEmailCode))
	assert.True(t, out.User.Inputs[0].HasProvider(domain.ProviderPassword))
	assert.Equal(t, out.User.ID, out.Flow.ResolvedUserID)
}

func TestSignInReturningUserWithCode(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	existing := f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	flow := f.start(t, "login", "")

	out, err := f.process.SubmitInput(ctx, flow.ID, "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProviderCode{domain.ProviderEmailCode}, out.Flow.Providers)
	assert.Equal(t, existing.ID, out.Flow.ExistingUserID)

	_, err = f.process.ChooseProvider(ctx, flow.ID, "code")
	require.NoError(t, err)
	out, err = f.process.SubmitCode(ctx, flow.ID, f.mail.lastCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
	assert.Equal(t, existing.ID, out.User.ID)
}

func TestSignInSingleExternalProviderGoesToChallenge(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	f.seedUser(t, "ana@example.com", domain.ProviderGoogle, "")
	flow := f.start(t, "", "")

	out, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StepChallenge, out.Flow.Step)
	assert.Equal(t, domain.ProviderGoogle, out.Flow.Provider)

	out, err = f.process.CompleteExternal(ctx, flow.ID, domain.ExternalIdentity{
		Provider: domain.ProviderGoogle, Subject: "g-1", Email: "someone.else@example.com",
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, domain.StepChallenge, out.Flow.Step)

	out, err = f.process.CompleteExternal(ctx, flow.ID, domain.ExternalIdentity{
		Provider: domain.ProviderGoogle, Subject: "g-1", Email: "Ana@Example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
	require.NotNil(t, out.External)
	assert.Nil(t, out.User)
	assert.Equal(t, "g-1", out.External.Subject)
}

func TestSignInExpiredCodeCanBeResent(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	flow := f.start(t, "", "")
	_, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	_, err = f.process.ChooseProvider(ctx, flow.ID, "code")
	require.NoError(t, err)
	first := f.mail.lastCode

	f.clock.Advance(6 * time.Minute)
	out, err := f.process.SubmitCode(ctx, flow.ID, first)
	assert.ErrorIs(t, err, ErrCodeExpired)
	assert.Equal(t, "expired", out.Flow.ErrorType)
	assert.Equal(t, domain.StepCodeVerification, out.Flow.Step)

	out, err = f.process.ResendCode(ctx, flow.ID)
	require.NoError(t, err)
	assert.Empty(t, out.Flow.ErrorType)
	assert.Equal(t, 2, f.mail.sent)

	out, err = f.process.SubmitCode(ctx, flow.ID, f.mail.lastCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
}

func TestSignInRejectsUnusableContacts(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	flow := f.start(t, "", "")

	for _, raw := range []string{"not a contact", "(650) 253-0000", "user@@example.com"} {
		out, err := f.process.SubmitInput(ctx, flow.ID, raw)
		assert.ErrorIs(t, err, ErrValidation, raw)
		assert.Equal(t, domain.StepInputValue, out.Flow.Step, raw)
		assert.Equal(t, "validation", out.Flow.ErrorType, raw)
	}

	out, err := f.process.SubmitInput(ctx, flow.ID, "+1 650-253-0000")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", out.Flow.Contact.Normalized)
	assert.Equal(t, []domain.ProviderCode{domain.ProviderWhatsApp}, out.Flow.Providers)
}

func TestSignInWithPassword(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	f.seedUser(t, "ana@example.com", domain.ProviderPassword, "h:correct horse")
	flow := f.start(t, "", "")

	out, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProviderCode{domain.ProviderPassword}, out.Flow.Providers)
	out, err = f.process.ChooseProvider(ctx, flow.ID, "password")
	require.NoError(t, err)
	assert.Equal(t, domain.StepPassword, out.Flow.Step)

	out, err = f.process.SubmitPassword(ctx, flow.ID, "wrong horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "invalid_credentials", out.Flow.ErrorType)

	out, err = f.process.SubmitPassword(ctx, flow.ID, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
}

func TestSignInAddNumberLinksToCurrentUser(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	user := f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	flow := f.start(t, "addnumber", user.ID)
	assert.Equal(t, domain.ActionAddNumber, flow.ActionState)

	_, err := f.process.SubmitInput(ctx, flow.ID, "other@example.com")
	assert.ErrorIs(t, err, ErrValidation)

	out, err := f.process.SubmitInput(ctx, flow.ID, "+16502530000")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProviderCode{domain.ProviderWhatsApp}, out.Flow.Providers)
	_, err = f.process.ChooseProvider(ctx, flow.ID, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", f.wa.lastTo)

	out, err = f.process.SubmitCode(ctx, flow.ID, f.wa.lastCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
	require.NotNil(t, out.User)
	assert.Equal(t, user.ID, out.User.ID)
	phone, ok := out.User.Primary(domain.FormatPhone)
	require.True(t, ok)
	assert.Equal(t, "+16502530000", phone.Input)
	_, ok = out.User.Primary(domain.FormatEmail)
	assert.True(t, ok)
}

func TestSignInAddEmailOwnedByAnotherUser(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	user := f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	f.seedUser(t, "taken@example.com", domain.ProviderEmailCode, "")
	flow := f.start(t, "AddEmail", user.ID)

	out, err := f.process.SubmitInput(ctx, flow.ID, "taken@example.com")
	assert.ErrorIs(t, err, ErrContactInUse)
	assert.Equal(t, "conflict", out.Flow.ErrorType)
	assert.Equal(t, domain.StepInputValue, out.Flow.Step)
}

func TestSignInStartRules(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)

	_, err := f.process.Start(ctx, StartInput{ReturnURL: testReturnURL, ActionState: "AddInput"})
	assert.ErrorIs(t, err, ErrSessionRequired)
	_, err = f.process.Start(ctx, StartInput{ReturnURL: "https://evil.com/"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.process.Start(ctx, StartInput{ReturnURL: testReturnURL, ActionState: "Teleport"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.process.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestSignInUpdateInputEditsProfile(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	user := f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	flow := f.start(t, "UpdateInput", user.ID)
	assert.Equal(t, domain.StepRegistration, flow.Step)
	require.NotNil(t, flow.Pending)
	assert.Equal(t, "Ana", flow.Pending.FirstName)

	_, err := f.process.Back(ctx, flow.ID)
	assert.ErrorIs(t, err, ErrValidation)

	out, err := f.process.SubmitRegistration(ctx, flow.ID, RegistrationInput{FirstName: "Ana", LastName: "Lopez", DisplayName: "al"})
	require.NoError(t, err)
	assert.Equal(t, domain.StepDone, out.Flow.Step)
	assert.Equal(t, "Lopez", out.User.LastName)

	stored, err := f.resolver.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "al", stored.DisplayName)
}

func TestSignInChangePrimary(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	user := f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	_, err := f.resolver.LinkInput(ctx, user.ID, ResolveInput{Contact: emailContact("work@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)

	flow := f.start(t, "ChangePrimary", user.ID)
	assert.Equal(t, domain.StepChangePrimary, flow.Step)

	out, err := f.process.ChangePrimary(ctx, flow.ID, "unknown@example.com")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, domain.StepChangePrimary, out.Flow.Step)

	out, err = f.process.ChangePrimary(ctx, flow.ID, "Work@Example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StepDone, out.Flow.Step)
	primary, ok := out.User.Primary(domain.FormatEmail)
	require.True(t, ok)
	assert.Equal(t, "work@example.com", primary.Input)
}

func TestSignInBackKeepsIssuedCode(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	flow := f.start(t, "", "")
	_, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	_, err = f.process.ChooseProvider(ctx, flow.ID, "code")
	require.NoError(t, err)

	out, err := f.process.Back(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepInputValue, out.Flow.Step)
	assert.Empty(t, out.Flow.Providers)
	assert.NotNil(t, out.Flow.Code)

	_, err = f.process.Back(ctx, flow.ID)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSignInStepGuard(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	flow := f.start(t, "", "")

	_, err := f.process.SubmitCode(ctx, flow.ID, "123456")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.process.ChooseProvider(ctx, flow.ID, "code")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	out, err := f.process.ChooseProvider(ctx, flow.ID, "whatsapp")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, domain.StepProviders, out.Flow.Step)
}

func TestBeginProvider(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	in := StartInput{ReturnURL: testReturnURL}

	out, err := f.process.BeginProvider(ctx, in, "", "google")
	require.NoError(t, err)
	assert.Equal(t, domain.StepChallenge, out.Flow.Step)
	assert.Equal(t, domain.ProviderGoogle, out.Flow.Provider)

	out, err = f.process.BeginProvider(ctx, in, "", "code")
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotEmpty(t, out.Flow.ID)

	out, err = f.process.BeginProvider(ctx, in, "ana@example.com", "code")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCodeVerification, out.Flow.Step)
	assert.Equal(t, "ana@example.com", f.mail.lastTo)

	_, err = f.process.BeginProvider(ctx, in, "", "facebook")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBeginProviderRespectsCatalog(t *testing.T) {
	f := newProcessFixture(t, "code")
	_, err := f.process.BeginProvider(context.Background(), StartInput{ReturnURL: testReturnURL}, "", "google")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSignInCodeLocksAfterFailedAttempts(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	f.seedUser(t, "ana@example.com", domain.ProviderEmailCode, "")
	flow := f.start(t, "", "")
	_, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	_, err = f.process.ChooseProvider(ctx, flow.ID, "code")
	require.NoError(t, err)
	code := f.mail.lastCode

	var out StepOutcome
	for _, guess := range wrongCodes(code, defaultCodeMaxAttempts) {
		out, err = f.process.SubmitCode(ctx, flow.ID, guess)
	}
	assert.ErrorIs(t, err, ErrCodeLocked)
	assert.Equal(t, "too_many_attempts", out.Flow.ErrorType)
	assert.Equal(t, domain.StepCodeVerification, out.Flow.Step)

	stored, err := f.process.Get(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Code)
	assert.Equal(t, defaultCodeMaxAttempts, stored.Code.Attempts)

	_, err = f.process.SubmitCode(ctx, flow.ID, code)
	assert.ErrorIs(t, err, ErrCodeLocked, "the right code is refused once the attempts are spent")

	_, err = f.process.ResendCode(ctx, flow.ID)
	require.NoError(t, err)
	out, err = f.process.SubmitCode(ctx, flow.ID, f.mail.lastCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StepHandoff, out.Flow.Step)
}

func TestSignInPasswordFailuresLockTheFlow(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	f.seedUser(t, "ana@example.com", domain.ProviderPassword, "h:correct horse")
	flow := f.start(t, "", "")
	_, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
	require.NoError(t, err)
	_, err = f.process.ChooseProvider(ctx, flow.ID, "password")
	require.NoError(t, err)

	for i := 0; i < maxPasswordFails; i++ {
		_, err = f.process.SubmitPassword(ctx, flow.ID, "wrong horse")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	out, err := f.process.SubmitPassword(ctx, flow.ID, "correct horse")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, "too_many_attempts", out.Flow.ErrorType)
	assert.Equal(t, domain.StepPassword, out.Flow.Step)
}

func TestSignInPasswordAttemptsLimitedPerContact(t *testing.T) {
	ctx := context.Background()
	f := newProcessFixture(t)
	f.process.passwords = NewCodeRateLimiter(time.Minute, 2)
	f.seedUser(t, "ana@example.com", domain.ProviderPassword, "h:correct horse")

	passwordFlow := func() string {
		flow := f.start(t, "", "")
		_, err := f.process.SubmitInput(ctx, flow.ID, "ana@example.com")
		require.NoError(t, err)
		_, err = f.process.ChooseProvider(ctx, flow.ID, "password")
		require.NoError(t, err)
		return flow.ID
	}

	// un flujo nuevo no reinicia el limite del contacto.
	for i := 0; i < 2; i++ {
		_, err := f.process.SubmitPassword(ctx, passwordFlow(), "wrong horse")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := f.process.SubmitPassword(ctx, passwordFlow(), "correct horse")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}
