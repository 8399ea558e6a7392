package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vetting-api/internal/models"
)

func (h *harness) completeSkill(t *testing.T, applicantID uint, skill string, score int) {
	t.Helper()
	_, err := h.records.Update(context.Background(), applicantID, func(record *models.VettingRecord) error {
		value := score
		at := h.clock.Now().UTC()
		record.UpsertAssessment(models.SkillAssessment{
			Skill:          skill,
			AssessmentType: models.AssessmentMCQ,
			Score:          &value,
			CompletedAt:    &at,
		})
		record.CompleteStep(models.StepSkills)
		return nil
	})
	require.NoError(t, err)
}

func (h *harness) decidable(t *testing.T, identity, english, skill int) uint {
	t.Helper()
	applicantID := h.seedApplicant(t, models.ExperienceIntermediate, "seo")
	h.completeIdentity(t, applicantID, identity)
	h.completeEnglish(t, applicantID, english)
	h.completeSkill(t, applicantID, "seo", skill)
	return applicantID
}

func TestDecideRejectsBelowFloorAndRemovesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	applicantID := h.decidable(t, 60, 85, 40)

	record, err := h.decider.Decide(ctx, applicantID)
	require.NoError(t, err)
	require.Equal(t, models.VettingStatusRejected, record.Status)
	require.Equal(t, models.VettingStatusRejected, record.Decision)
	require.Equal(t, models.StepComplete, record.CurrentStep)
	require.InDelta(t, 57.5, *record.OverallScore, 0.001)
	require.NotNil(t, record.AccountRemovedAt)
	require.Equal(t, 1, h.remover.count())
	require.Contains(t, h.remover.reasons[0], "skills 40.0")

	replay, err := h.decider.Decide(ctx, applicantID)
	require.NoError(t, err)
	require.Equal(t, models.VettingStatusRejected, replay.Status)
	require.Equal(t, record.DecidedAt.Unix(), replay.DecidedAt.Unix())
	require.Equal(t, 1, h.remover.count())
	require.Len(t, h.notifier.decisions, 1)
	require.Equal(t, []uint{applicantID}, h.notifier.removed)
}

func TestDecideApprovesAboveFloor(t *testing.T) {
	h := newHarness(t)
	applicantID := h.decidable(t, 80, 85, 80)

	record, err := h.decider.Decide(context.Background(), applicantID)
	require.NoError(t, err)
	require.Equal(t, models.VettingStatusApproved, record.Status)
	require.InDelta(t, 81.5, *record.OverallScore, 0.001)
	require.Nil(t, record.AccountRemovedAt)
	require.Zero(t, h.remover.count())
}

func TestDecideFlagsOnUnresolvedCriticalFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	applicantID := h.decidable(t, 80, 85, 80)

	_, err := h.review.RaiseFlag(ctx, applicantID, models.FlagIdentityLiveness, models.SeverityCritical, "liveness check failed")
	require.NoError(t, err)

	record, err := h.decider.Decide(ctx, applicantID)
	require.NoError(t, err)
	require.Equal(t, models.VettingStatusFlagged, record.Status)
	require.NotNil(t, record.OverallScore)
}

func TestDecideFloorWinsOverFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	applicantID := h.decidable(t, 30, 85, 80)

	_, err := h.review.RaiseFlag(ctx, applicantID, models.FlagIdentityLiveness, models.SeverityCritical, "liveness check failed")
	require.NoError(t, err)

	record, err := h.decider.Decide(ctx, applicantID)
	require.NoError(t, err)
	require.Equal(t, models.VettingStatusRejected, record.Status)
	require.Equal(t, 1, h.remover.count())
}

func TestDecideRequiresAllSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	applicantID := h.seedApplicant(t, models.ExperienceEntry, "seo")
	h.completeIdentity(t, applicantID, 80)

	_, err := h.decider.Decide(ctx, applicantID)
	require.ErrorIs(t, err, ErrStepsIncomplete)

	record := h.record(t, applicantID)
	require.Nil(t, record.DecidedAt)
	require.Equal(t, models.VettingStatusInProgress, record.Status)
}

func TestDecideRetriesFailedRemovalOnReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	applicantID := h.decidable(t, 45, 85, 80)

	h.remover.err = errors.New("identity provider down")
	_, err := h.decider.Decide(ctx, applicantID)
	require.Error(t, err)

	record := h.record(t, applicantID)
	require.Equal(t, models.VettingStatusRejected, record.Status)
	require.Nil(t, record.AccountRemovedAt)
	require.Len(t, h.notifier.decisions, 1)

	h.remover.err = nil
	h.clock.Advance(time.Minute)
	record, err = h.decider.Decide(ctx, applicantID)
	require.NoError(t, err)
	require.NotNil(t, record.AccountRemovedAt)
	require.Equal(t, 2, h.remover.count())
	require.Len(t, h.remover.reasons, 1)

	_, err = h.decider.Decide(ctx, applicantID)
	require.NoError(t, err)
	require.Equal(t, 2, h.remover.count())
	require.Len(t, h.notifier.decisions, 1)
}
