package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/repository"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func sourceProvenance() models.Provenance {
	return models.Provenance{
		Kind:       models.ProvenanceSource,
		SourceType: models.SourceTypeSpreadsheet,
		SourceID:   "src-1",
		RowID:      "row-1",
		FieldID:    "email",
	}
}

func newTestOutbox() (*Outbox, *clock.Fake) {
	fake := clock.NewFake(epoch)
	return New(repository.NewInMemoryRepository(), fake, nil), fake
}

func enqueue(t *testing.T, o *Outbox, recipient string) *models.Envelope {
	t.Helper()
	env, err := o.Enqueue(context.Background(), EnqueueRequest{
		Recipient:  recipient,
		Payload:    json.RawMessage(`{"email":"new@example.com"}`),
		Provenance: sourceProvenance(),
		Before:     json.RawMessage(`"old@example.com"`),
		After:      json.RawMessage(`"new@example.com"`),
	})
	require.NoError(t, err)
	return env
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "trim and fold", in: "  Ada@Example.COM ", want: "ada@example.com"},
		{name: "composed and decomposed agree", in: "José@example.com", want: "josé@example.com"},
		{name: "sharp s folds", in: "STRASSE@example.com", want: "strasse@example.com"},
		{name: "blank", in: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRecipient(tt.in))
		})
	}
}

func TestEnqueue_StartsQueued(t *testing.T) {
	o, _ := newTestOutbox()

	env := enqueue(t, o, " Ada@Example.com")
	assert.Equal(t, models.StatusQueued, env.Status)
	assert.Equal(t, "ada@example.com", env.Recipient)
	assert.Equal(t, epoch, env.CreatedAt)
	assert.NotEmpty(t, env.ID)
}

func TestEnqueue_Validation(t *testing.T) {
	o, _ := newTestOutbox()
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
		want error
	}{
		{
			name: "missing recipient",
			req:  EnqueueRequest{Recipient: " ", Payload: json.RawMessage(`{}`), Provenance: sourceProvenance()},
			want: models.ErrEmptyRecipient,
		},
		{
			name: "missing payload",
			req:  EnqueueRequest{Recipient: "a@b.c", Provenance: sourceProvenance()},
			want: models.ErrEmptyPayload,
		},
		{
			name: "malformed payload",
			req:  EnqueueRequest{Recipient: "a@b.c", Payload: json.RawMessage(`{`), Provenance: sourceProvenance()},
			want: ErrInvalidPayload,
		},
		{
			name: "self service without actor",
			req: EnqueueRequest{Recipient: "a@b.c", Payload: json.RawMessage(`{}`),
				Provenance: models.Provenance{Kind: models.ProvenanceSelfService}},
			want: models.ErrInvalidProvenance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Enqueue(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestForRecipient_ExactMatchOnly(t *testing.T) {
	faker := gofakeit.New(99)
	o, fake := newTestOutbox()
	ctx := context.Background()

	recipients := []string{faker.Email(), faker.Email(), faker.Email()}
	want := make(map[string][]string)
	for i := 0; i < 30; i++ {
		r := recipients[faker.IntRange(0, len(recipients)-1)]
		fake.Advance(time.Second)
		env := enqueue(t, o, r)
		want[env.Recipient] = append(want[env.Recipient], env.ID)
	}

	for _, r := range recipients {
		got, err := o.ForRecipient(ctx, " "+r+" ", 0)
		require.NoError(t, err)

		var ids []string
		for _, env := range got {
			assert.Equal(t, NormalizeRecipient(r), env.Recipient)
			ids = append(ids, env.ID)
		}
		assert.Equal(t, want[NormalizeRecipient(r)], ids)
	}
}

func TestClaimAndComplete(t *testing.T) {
	o, fake := newTestOutbox()
	ctx := context.Background()

	first := enqueue(t, o, "a@example.com")
	fake.Advance(time.Second)
	second := enqueue(t, o, "a@example.com")

	claimed, err := o.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)

	queued, err := o.Queued(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)

	require.NoError(t, o.Complete(ctx, claimed[0], models.StatusSent, nil))
	assert.Equal(t, models.StatusSent, claimed[0].Status)
	require.NotNil(t, claimed[0].CompletedAt)

	require.NoError(t, o.Complete(ctx, claimed[1], models.StatusFailed, map[string]any{"error": "503"}))

	sent, err := o.Sent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, first.ID, sent[0].ID)

	failed, err := o.Failed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "503", failed[0].ErrorDetail["error"])
}

func TestComplete_RejectsInvalidTransitions(t *testing.T) {
	o, _ := newTestOutbox()
	ctx := context.Background()

	env := enqueue(t, o, "a@example.com")
	assert.ErrorIs(t, o.Complete(ctx, env, models.StatusSent, nil), models.ErrInvalidTransition,
		"queued envelopes must be claimed first")

	claimed, err := o.Claim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, o.Complete(ctx, claimed[0], models.StatusIgnoredNoop, nil))

	assert.ErrorIs(t, o.Complete(ctx, claimed[0], models.StatusSent, nil), models.ErrInvalidTransition,
		"terminal states have no outgoing transitions")
}

func TestComplete_StaleCopyLoses(t *testing.T) {
	o, _ := newTestOutbox()
	ctx := context.Background()

	enqueue(t, o, "a@example.com")
	claimed, err := o.Claim(ctx, 1)
	require.NoError(t, err)

	stale := *claimed[0]
	require.NoError(t, o.Complete(ctx, claimed[0], models.StatusSent, nil))
	assert.ErrorIs(t, o.Complete(ctx, &stale, models.StatusFailed, nil), ErrStaleEnvelope)
}

func TestReleaseExpired(t *testing.T) {
	o, fake := newTestOutbox()
	ctx := context.Background()

	enqueue(t, o, "a@example.com")
	_, err := o.Claim(ctx, 1)
	require.NoError(t, err)

	n, err := o.ReleaseExpired(ctx, fake.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	fake.Advance(10 * time.Minute)
	n, err = o.ReleaseExpired(ctx, fake.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := o.Failed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ClaimExpired, failed[0].ErrorDetail["error"])
}

func TestRequeue(t *testing.T) {
	o, fake := newTestOutbox()
	ctx := context.Background()

	orig := enqueue(t, o, "a@example.com")

	_, err := o.Requeue(ctx, orig.ID)
	assert.ErrorIs(t, err, ErrNotRequeueable)

	claimed, err := o.Claim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, o.Complete(ctx, claimed[0], models.StatusPartiallySent, map[string]any{"delivered": 1}))

	fake.Advance(time.Minute)
	copied, err := o.Requeue(ctx, orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, copied.ID)
	assert.Equal(t, orig.ID, copied.RequeuedFrom)
	assert.Equal(t, models.StatusQueued, copied.Status)
	assert.Equal(t, orig.Provenance, copied.Provenance)
	assert.JSONEq(t, string(orig.Payload), string(copied.Payload))

	still, err := o.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallySent, still.Status, "the original is never mutated")

	_, err = o.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, ErrEnvelopeMissing)
}

func TestMalformedIDIsMissing(t *testing.T) {
	o, _ := newTestOutbox()
	ctx := context.Background()

	_, err := o.Get(ctx, "42; DROP TABLE envelopes")
	assert.ErrorIs(t, err, ErrEnvelopeMissing)

	_, err = o.Audit(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrEnvelopeMissing)
}

func TestAppendAudit(t *testing.T) {
	o, _ := newTestOutbox()
	ctx := context.Background()

	env, err := o.Enqueue(ctx, EnqueueRequest{
		Recipient:  "a@example.com",
		Payload:    json.RawMessage(`{"phone":"+15550100"}`),
		Provenance: models.Provenance{Kind: models.ProvenanceSelfService, Actor: "a@example.com"},
		After:      json.RawMessage(`"+15550100"`),
	})
	require.NoError(t, err)

	rec, err := o.AppendAudit(ctx, env)
	require.NoError(t, err)
	assert.True(t, rec.SelfService)

	records, err := o.Audit(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
}
