package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-orchestrator/backend/pkg/models"
)

// runRepositoryContract exercises behaviour every Repository implementation must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("one active process per owner", func(t *testing.T) {
		repo := newRepo(t)
		owner := "owner-" + uuid.NewString()

		first := &models.Process{OwnerID: owner, Status: models.ProcessStatusPending}
		require.NoError(t, repo.CreateProcess(ctx, first))

		second := &models.Process{OwnerID: owner, Status: models.ProcessStatusPending}
		err := repo.CreateProcess(ctx, second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrActiveProcessExists))
		var active *ActiveProcessError
		require.True(t, errors.As(err, &active))
		assert.Equal(t, first.ID, active.ExistingID)

		first.Status = models.ProcessStatusCompleted
		require.NoError(t, repo.UpdateProcess(ctx, first))
		require.NoError(t, repo.CreateProcess(ctx, second))

		got, err := repo.GetActiveProcess(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
	})

	t.Run("concurrent starts leave a single active process", func(t *testing.T) {
		repo := newRepo(t)
		owner := "owner-" + uuid.NewString()

		const n = 8
		procs := make([]*models.Process, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			procs[i] = &models.Process{OwnerID: owner, Status: models.ProcessStatusPending}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.CreateProcess(ctx, procs[i])
			}(i)
		}
		wg.Wait()

		var winner *models.Process
		for i, err := range errs {
			if err == nil {
				require.Nil(t, winner, "more than one process was created")
				winner = procs[i]
			}
		}
		require.NotNil(t, winner)
		for _, err := range errs {
			if err == nil {
				continue
			}
			var active *ActiveProcessError
			require.True(t, errors.As(err, &active), err)
			assert.Equal(t, winner.ID, active.ExistingID)
		}

		got, err := repo.GetActiveProcess(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, winner.ID, got.ID)
	})

	t.Run("process get update delete", func(t *testing.T) {
		repo := newRepo(t)
		from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
		p := &models.Process{OwnerID: "owner-" + uuid.NewString(), Status: models.ProcessStatusPending, From: &from, To: &to}
		require.NoError(t, repo.CreateProcess(ctx, p))

		p.Status = models.ProcessStatusProcessing
		p.Progress = 40
		require.NoError(t, repo.UpdateProcess(ctx, p))

		got, err := repo.GetProcess(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ProcessStatusProcessing, got.Status)
		assert.Equal(t, 40, got.Progress)
		require.NotNil(t, got.From)
		assert.True(t, from.Equal(*got.From))

		require.NoError(t, repo.DeleteProcess(ctx, p.ID))
		_, err = repo.GetProcess(ctx, p.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.DeleteProcess(ctx, p.ID), ErrNotFound)
	})

	t.Run("progress events and challenge filtering", func(t *testing.T) {
		repo := newRepo(t)
		p := &models.Process{OwnerID: "owner-" + uuid.NewString(), Status: models.ProcessStatusProcessing}
		require.NoError(t, repo.CreateProcess(ctx, p))

		status := &models.ProgressEvent{ProcessID: p.ID, OwnerID: p.OwnerID, Stage: "matching", Classification: models.ClassificationStatus}
		require.NoError(t, repo.AppendEvent(ctx, status))
		assert.Equal(t, models.EventStatusLogged, status.Status)

		challenge := &models.ProgressEvent{
			ProcessID:      p.ID,
			OwnerID:        p.OwnerID,
			ThreadID:       "abc",
			Classification: models.ClassificationVerificationCode,
			Status:         models.EventStatusOpen,
			TimeoutSeconds: 30,
			Payload:        json.RawMessage(`{"label":"Code","message":"Enter the SMS code"}`),
		}
		require.NoError(t, repo.AppendEvent(ctx, challenge))

		open, err := repo.ListEvents(ctx, EventQuery{OwnerID: p.OwnerID, Status: models.EventStatusOpen, ChallengeOnly: true})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "abc", open[0].ThreadID)
		assert.JSONEq(t, `{"label":"Code","message":"Enter the SMS code"}`, string(open[0].Payload))

		require.NoError(t, repo.SetEventStatus(ctx, challenge.ID, models.EventStatusAnswered, 0))
		got, err := repo.GetEvent(ctx, challenge.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EventStatusAnswered, got.Status)
		assert.Equal(t, 0, got.TimeoutSeconds)

		all, err := repo.ListEvents(ctx, EventQuery{ProcessID: p.ID})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		assert.ErrorIs(t, repo.SetEventStatus(ctx, uuid.NewString(), models.EventStatusExpired, 0), ErrNotFound)
	})

	t.Run("credentials", func(t *testing.T) {
		repo := newRepo(t)
		app := "app-" + uuid.NewString()
		c := &models.Credential{
			Application: app,
			Token:       "cred_" + uuid.NewString(),
			ExpiresAt:   time.Now().Add(time.Hour).UTC(),
			Permissions: []string{"engine:callback"},
		}
		require.NoError(t, repo.CreateCredential(ctx, c))

		dup := &models.Credential{Application: app, Token: "cred_" + uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
		assert.ErrorIs(t, repo.CreateCredential(ctx, dup), ErrDuplicate)

		byToken, err := repo.GetCredentialByToken(ctx, c.Token)
		require.NoError(t, err)
		assert.Equal(t, c.ID, byToken.ID)
		assert.Equal(t, []string{"engine:callback"}, byToken.Permissions)

		c.Token = "cred_" + uuid.NewString()
		c.Revoked = true
		require.NoError(t, repo.UpdateCredential(ctx, c))
		byApp, err := repo.GetCredentialByApplication(ctx, app)
		require.NoError(t, err)
		assert.Equal(t, c.Token, byApp.Token)
		assert.True(t, byApp.Revoked)

		_, err = repo.GetCredentialByToken(ctx, byToken.Token)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("batch records keep the latest per owner", func(t *testing.T) {
		repo := newRepo(t)
		owner := "owner-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Millisecond)
		first := &models.BatchRecord{ID: uuid.NewString(), OwnerID: owner, Kind: models.BatchKindSMS, Total: 3, Succeeded: 2,
			Failures:  []models.ItemFailure{{Index: 1, Item: json.RawMessage(`{"phone_number":"x"}`), Reason: "invalid phone number"}},
			StartedAt: now, FinishedAt: now}
		require.NoError(t, repo.SaveBatchRecord(ctx, first))

		second := &models.BatchRecord{ID: uuid.NewString(), OwnerID: owner, Kind: models.BatchKindImport, Total: 1, Succeeded: 1,
			StartedAt: now, FinishedAt: now}
		require.NoError(t, repo.SaveBatchRecord(ctx, second))

		got, err := repo.GetBatchRecord(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.Empty(t, got.Failures)

		require.NoError(t, repo.DeleteBatchRecord(ctx, owner))
		_, err = repo.GetBatchRecord(ctx, owner)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("imports reject duplicates and dangling references", func(t *testing.T) {
		repo := newRepo(t)
		owner := "owner-" + uuid.NewString()
		require.NoError(t, repo.ImportRecord(ctx, &models.ImportedRecord{OwnerID: owner, ExternalRef: "acc-1", Data: json.RawMessage(`{"n":1}`)}))
		assert.ErrorIs(t, repo.ImportRecord(ctx, &models.ImportedRecord{OwnerID: owner, ExternalRef: "acc-1"}), ErrDuplicate)
		assert.ErrorIs(t, repo.ImportRecord(ctx, &models.ImportedRecord{OwnerID: owner, ExternalRef: "acc-2", Reference: "missing"}), ErrNotFound)
		assert.NoError(t, repo.ImportRecord(ctx, &models.ImportedRecord{OwnerID: owner, ExternalRef: "acc-3", Reference: "acc-1"}))
	})
}

func TestMemoryStore(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository { return NewMemoryStore() })
}
