package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/models"
)

func (h *harness) startEnglish(t *testing.T, applicantID uint, phase string) PhaseSession {
	t.Helper()
	started, err := h.english.Start(context.Background(), applicantID, phase, ClientInfo{Fingerprint: "fp-" + phase, IPAddress: "10.1.1.1"})
	require.NoError(t, err)
	return started
}

func TestEnglishPhasesProduceWeightedOverall(t *testing.T) {
	h := newHarness(t)
	h.seedEnglishBank(t)
	ctx := context.Background()
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "go")
	h.completeIdentity(t, applicantID, 80)

	grammar := h.startEnglish(t, applicantID, models.TestTypeGrammar)
	require.Len(t, grammar.Questions, 20)
	_, err := h.submissions.Submit(ctx, applicantID, grammar.Session.SessionID, models.SessionAnswers{Choices: correctChoices(grammar.Questions, 18)})
	require.NoError(t, err)

	comprehension := h.startEnglish(t, applicantID, models.TestTypeComprehension)
	_, err = h.submissions.Submit(ctx, applicantID, comprehension.Session.SessionID, models.SessionAnswers{Choices: correctChoices(comprehension.Questions, 8)})
	require.NoError(t, err)

	written := h.startEnglish(t, applicantID, models.TestTypeWritten)
	result, err := h.submissions.Submit(ctx, applicantID, written.Session.SessionID, models.SessionAnswers{Text: "<b>I would</b> plan the release carefully."})
	require.NoError(t, err)

	english := result.Record.English
	require.Equal(t, 90, *english.GrammarScore)
	require.Equal(t, 80, *english.ComprehensionScore)
	require.Equal(t, 85, *english.WrittenResponseScore)
	require.Equal(t, 85, *english.OverallScore)
	require.Equal(t, "I would plan the release carefully.", english.WrittenResponse)
	require.True(t, result.Record.HasStep(models.StepEnglish))
	require.Equal(t, models.StepSkills, result.Record.CurrentStep)
	require.Len(t, english.Integrity, 3)

	_, err = h.english.Start(ctx, applicantID, models.TestTypeGrammar, ClientInfo{})
	require.ErrorIs(t, err, ErrPhaseCompleted)
}

func TestEnglishRequiresIdentityFirst(t *testing.T) {
	h := newHarness(t)
	h.seedEnglishBank(t)
	applicantID := h.seedApplicant(t, models.ExperienceEntry)

	_, err := h.english.Start(context.Background(), applicantID, models.TestTypeGrammar, ClientInfo{})
	require.ErrorIs(t, err, ErrStepOutOfOrder)
}

func TestEnglishStartFailsOnThinBank(t *testing.T) {
	h := newHarness(t)
	h.seedQuestions(t, models.QuestionKindGrammar, "", "", 5)
	applicantID := h.seedApplicant(t, models.ExperienceEntry)
	h.completeIdentity(t, applicantID, 80)

	_, err := h.english.Start(context.Background(), applicantID, models.TestTypeGrammar, ClientInfo{})
	require.ErrorIs(t, err, ErrInsufficientContent)
}

func TestEnglishStartResumesOpenSession(t *testing.T) {
	h := newHarness(t)
	h.seedEnglishBank(t)
	applicantID := h.seedApplicant(t, models.ExperienceEntry)
	h.completeIdentity(t, applicantID, 80)

	first := h.startEnglish(t, applicantID, models.TestTypeGrammar)
	again := h.startEnglish(t, applicantID, models.TestTypeGrammar)

	require.True(t, again.Resumed)
	require.Equal(t, first.Session.SessionID, again.Session.SessionID)
	require.Equal(t, first.Session.ExpiresAt, again.Session.ExpiresAt)
	require.Len(t, again.Questions, 20)
}

func TestSubmitRejectsUnservedQuestion(t *testing.T) {
	h := newHarness(t)
	h.seedEnglishBank(t)
	applicantID := h.seedApplicant(t, models.ExperienceEntry)
	h.completeIdentity(t, applicantID, 80)
	grammar := h.startEnglish(t, applicantID, models.TestTypeGrammar)

	_, err := h.submissions.Submit(context.Background(), applicantID, grammar.Session.SessionID, models.SessionAnswers{Choices: map[uint]int{999999: 0}})
	require.ErrorIs(t, err, ErrInvalidSubmission)

	stored, err := h.store.Get(context.Background(), grammar.Session.SessionID)
	require.NoError(t, err)
	require.True(t, stored.IsOpen())
}

func TestExpiryGradesLikeManualSubmission(t *testing.T) {
	h := newHarness(t)
	h.seedEnglishBank(t)
	ctx := context.Background()

	manual := h.seedApplicant(t, models.ExperienceEntry)
	expired := h.seedApplicant(t, models.ExperienceEntry)
	h.completeIdentity(t, manual, 80)
	h.completeIdentity(t, expired, 80)

	manualSession := h.startEnglish(t, manual, models.TestTypeGrammar)
	expiredSession := h.startEnglish(t, expired, models.TestTypeGrammar)

	partial := func(questions []models.Question) models.SessionAnswers {
		choices := correctChoices(questions[:12], 9)
		return models.SessionAnswers{Choices: choices}
	}

	_, err := h.submissions.SaveProgress(ctx, expired, expiredSession.Session.SessionID, partial(expiredSession.Questions))
	require.NoError(t, err)
	_, err = h.submissions.Submit(ctx, manual, manualSession.Session.SessionID, partial(manualSession.Questions))
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)

	require.Eventually(t, func() bool {
		return h.record(t, expired).English.GrammarScore != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, *h.record(t, manual).English.GrammarScore, *h.record(t, expired).English.GrammarScore)
	require.Equal(t, 45, *h.record(t, expired).English.GrammarScore)

	_, err = h.submissions.Submit(ctx, expired, expiredSession.Session.SessionID, partial(expiredSession.Questions))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestWrittenGraderOutageKeepsAnswersForRegrade(t *testing.T) {
	h := newHarness(t)
	h.seedEnglishBank(t)
	ctx := context.Background()
	applicantID := h.seedApplicant(t, models.ExperienceEntry)
	h.completeIdentity(t, applicantID, 80)
	h.written.set(0, errGraderDown)

	written := h.startEnglish(t, applicantID, models.TestTypeWritten)
	_, err := h.submissions.Submit(ctx, applicantID, written.Session.SessionID, models.SessionAnswers{Text: "A considered answer."})
	require.ErrorIs(t, err, ErrExternalGraderUnavailable)
	require.Equal(t, 3, h.written.callCount())

	stored, err := h.store.Get(ctx, written.Session.SessionID)
	require.NoError(t, err)
	require.False(t, stored.IsOpen())
	require.False(t, stored.Graded)
	require.NotEmpty(t, stored.GradingError)
	require.Equal(t, "A considered answer.", stored.Answers.Data().Text)
	require.Nil(t, h.record(t, applicantID).English.WrittenResponseScore)

	h.written.set(72, nil)
	result, err := h.submissions.Regrade(ctx, applicantID, written.Session.SessionID)
	require.NoError(t, err)
	require.Equal(t, 72, *result.Record.English.WrittenResponseScore)

	stored, err = h.store.Get(ctx, written.Session.SessionID)
	require.NoError(t, err)
	require.True(t, stored.Graded)
	require.Empty(t, stored.GradingError)
}
