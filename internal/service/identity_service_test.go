package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/models"
	"github.com/noah-isme/vetting-api/pkg/identity"
)

var (
	pngImage  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	jpegImage = append([]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), make([]byte, 32)...)
)

type stubIdentityProvider struct {
	mu       sync.Mutex
	results  []identity.Result
	failures int
	err      error
	calls    int
	last     identity.Request
}

func (p *stubIdentityProvider) Verify(ctx context.Context, req identity.Request) (identity.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = req
	if p.calls <= p.failures {
		return identity.Result{}, fmt.Errorf("%w: status 503", identity.ErrUnavailable)
	}
	if p.err != nil {
		return identity.Result{}, p.err
	}
	return p.results[0], nil
}

type stubArchive struct {
	mu     sync.Mutex
	stored map[string]int
	err    error
}

func (a *stubArchive) Store(ctx context.Context, applicantID uint, kind string, reader io.Reader) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if a.stored == nil {
		a.stored = map[string]int{}
	}
	a.stored[kind] = len(raw)
	return fmt.Sprintf("https://cdn.example.com/%d/%s", applicantID, kind), nil
}

func newIdentityFixture(t *testing.T, result identity.Result) (*harness, IdentityService, *stubIdentityProvider, *stubArchive) {
	t.Helper()
	h := newHarness(t)
	provider := &stubIdentityProvider{results: []identity.Result{result}}
	archive := &stubArchive{}
	svc := NewIdentityService(h.applicants, h.records, provider, archive, fastRetry(), h.clock, zerolog.Nop())
	return h, svc, provider, archive
}

func passportInput() IdentityInput {
	return IdentityInput{DocumentImage: pngImage, SelfieImage: jpegImage, DocumentType: " Passport ", DocumentNumber: "X1234567"}
}

func TestIdentityVerifiedCompletesStep(t *testing.T) {
	h, svc, provider, archive := newIdentityFixture(t, identity.Result{Status: "verified", Score: 92, LivenessCheck: true})
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	record, err := svc.Verify(context.Background(), applicantID, passportInput())
	require.NoError(t, err)
	require.Equal(t, models.IdentityStatusVerified, record.Identity.Status)
	require.Equal(t, 92, *record.Identity.Score)
	require.Equal(t, "passport", record.Identity.DocumentType)
	require.NotNil(t, record.Identity.VerifiedAt)
	require.True(t, record.HasStep(models.StepIdentity))
	require.Equal(t, models.StepEnglish, record.CurrentStep)
	require.Equal(t, models.VettingStatusInProgress, record.Status)
	require.Empty(t, record.FraudFlags)
	require.Contains(t, record.Identity.DocumentURL, "/document")
	require.Equal(t, len(jpegImage), archive.stored["selfie"])
	require.Equal(t, "passport", provider.last.DocumentType)

	_, err = svc.Verify(context.Background(), applicantID, passportInput())
	require.ErrorIs(t, err, ErrPhaseCompleted)
}

func TestIdentityFailedLivenessRaisesCriticalFlag(t *testing.T) {
	h, svc, _, _ := newIdentityFixture(t, identity.Result{Status: "verified", Score: 70, LivenessCheck: false})
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	record, err := svc.Verify(context.Background(), applicantID, passportInput())
	require.NoError(t, err)
	require.True(t, record.HasStep(models.StepIdentity))
	require.Len(t, record.FraudFlags, 1)
	require.Equal(t, models.FlagIdentityLiveness, record.FraudFlags[0].FlagType)
	require.Equal(t, models.SeverityCritical, record.FraudFlags[0].Severity)
	require.True(t, record.HasUnresolvedCritical())
}

func TestIdentityRejectedResultLeavesStepOpen(t *testing.T) {
	h, svc, _, _ := newIdentityFixture(t, identity.Result{Status: "something-new", Score: 10, LivenessCheck: true})
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	record, err := svc.Verify(context.Background(), applicantID, passportInput())
	require.NoError(t, err)
	require.Equal(t, models.IdentityStatusFailed, record.Identity.Status)
	require.False(t, record.HasStep(models.StepIdentity))
	require.Equal(t, models.StepIdentity, record.CurrentStep)
}

func TestIdentityRejectsNonImageUploads(t *testing.T) {
	h, svc, provider, _ := newIdentityFixture(t, identity.Result{Status: "verified", Score: 90, LivenessCheck: true})
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	input := passportInput()
	input.DocumentImage = []byte("just some text pretending to be a passport")
	_, err := svc.Verify(context.Background(), applicantID, input)
	require.ErrorIs(t, err, ErrUnsupportedDocument)

	input = passportInput()
	input.SelfieImage = nil
	_, err = svc.Verify(context.Background(), applicantID, input)
	require.ErrorIs(t, err, ErrInvalidSubmission)

	input = passportInput()
	input.DocumentType = ""
	_, err = svc.Verify(context.Background(), applicantID, input)
	require.ErrorIs(t, err, ErrInvalidSubmission)

	require.Zero(t, provider.calls)
}

func TestIdentityRetriesUnavailableProvider(t *testing.T) {
	h, svc, provider, _ := newIdentityFixture(t, identity.Result{Status: "verified", Score: 88, LivenessCheck: true})
	provider.failures = 2
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	record, err := svc.Verify(context.Background(), applicantID, passportInput())
	require.NoError(t, err)
	require.Equal(t, 3, provider.calls)
	require.Equal(t, 88, *record.Identity.Score)
}

func TestIdentityProviderOutageSurfaces(t *testing.T) {
	h, svc, provider, _ := newIdentityFixture(t, identity.Result{})
	provider.failures = 10
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	_, err := svc.Verify(context.Background(), applicantID, passportInput())
	require.ErrorIs(t, err, ErrExternalGraderUnavailable)
	require.Equal(t, 3, provider.calls)
	require.False(t, h.record(t, applicantID).HasStep(models.StepIdentity))
}

func TestIdentityDoesNotRetryRejectedRequests(t *testing.T) {
	h, svc, provider, archive := newIdentityFixture(t, identity.Result{})
	provider.err = errors.New("identity provider rejected request: status 400")
	archive.err = errors.New("bucket missing")
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")

	_, err := svc.Verify(context.Background(), applicantID, passportInput())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrExternalGraderUnavailable)
	require.Equal(t, 1, provider.calls)
}
