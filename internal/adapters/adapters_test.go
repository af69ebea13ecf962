package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/canonical"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/verify"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sources/spreadsheet/sheet%2F1/rows", r.URL.EscapedPath())
		assert.Equal(t, "c-1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"rows": [{"id": "r1", "recipient": "ada@example.com", "fields": {"email": "ada@example.com"}}],
			"cursor": "c-2"
		}`)
	}))
	defer server.Close()

	f := NewHTTPFetcher(ClientConfig{BaseURL: server.URL + "/", Token: "secret"})
	res, err := f.Fetch(context.Background(), &models.Source{
		Type:       models.SourceTypeSpreadsheet,
		ExternalID: "sheet/1",
		Cursor:     "c-1",
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "r1", res.Rows[0].ID)
	assert.JSONEq(t, `"ada@example.com"`, string(res.Rows[0].Fields["email"]))
	assert.Equal(t, "c-2", res.Cursor)
}

func TestHTTPFetcher_KeepsCursorWhenNoneReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"rows": []}`)
	}))
	defer server.Close()

	res, err := NewHTTPFetcher(ClientConfig{BaseURL: server.URL}).Fetch(context.Background(),
		&models.Source{Type: models.SourceTypeForm, ExternalID: "f", Cursor: "keep"})
	require.NoError(t, err)
	assert.Equal(t, "keep", res.Cursor)
}

func TestHTTPFetcher_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPFetcher(ClientConfig{BaseURL: server.URL}).Fetch(context.Background(),
		&models.Source{Type: models.SourceTypeForm, ExternalID: "f"})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHTTPSender_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    models.DeliveryResult
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK, want: models.DeliveryResult{PartsTotal: 1, PartsDelivered: 1}},
		{name: "accepted", status: http.StatusAccepted, want: models.DeliveryResult{PartsTotal: 1, PartsDelivered: 1}},
		{name: "no content is noop", status: http.StatusNoContent, want: models.DeliveryResult{Noop: true}},
		{name: "multi status is partial", status: http.StatusMultiStatus, body: `{"delivered":1,"total":3}`,
			want: models.DeliveryResult{PartsTotal: 3, PartsDelivered: 1}},
		{name: "server error", status: http.StatusServiceUnavailable, want: models.DeliveryResult{PartsTotal: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/contacts/ada@example.com/changes", r.URL.Path)
				assert.Equal(t, "env-1", r.Header.Get("Idempotency-Key"))

				var body map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "env-1", body["envelope_id"])

				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			got, err := NewHTTPSender(ClientConfig{BaseURL: server.URL, Timeout: time.Second}).Send(context.Background(), &models.Envelope{
				ID:         "env-1",
				Recipient:  "ada@example.com",
				Payload:    json.RawMessage(`{"email":"new@example.com"}`),
				Provenance: models.Provenance{Kind: models.ProvenanceSelfService, Actor: "ada"},
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnexpectedStatus)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPassthroughNormalizer(t *testing.T) {
	n := PassthroughNormalizer{}
	ctx := context.Background()

	v, err := n.Normalize(ctx, nil, "address", json.RawMessage(`{"city":"Oslo"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Oslo"}, v)

	v, err = n.Normalize(ctx, nil, "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = n.Normalize(ctx, nil, "broken", json.RawMessage(`{`))
	assert.Error(t, err)

	_, err = n.Normalize(ctx, nil, "trailing", json.RawMessage(`1 2`))
	assert.Error(t, err)
}

func TestPassthroughNormalizer_KeepsIntegerPrecision(t *testing.T) {
	n := PassthroughNormalizer{}
	ctx := context.Background()

	tests := []struct {
		name string
		a, b string
	}{
		{name: "beyond 2^53", a: `9007199254740993`, b: `9007199254740992`},
		{name: "beyond int64", a: `12345678901234567890`, b: `12345678901234567891`},
		{name: "nested", a: `{"id":9007199254740993}`, b: `{"id":9007199254740992}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := n.Normalize(ctx, nil, "id", json.RawMessage(tt.a))
			require.NoError(t, err)
			b, err := n.Normalize(ctx, nil, "id", json.RawMessage(tt.b))
			require.NoError(t, err)

			eq, err := canonical.Equal(a, b)
			require.NoError(t, err)
			assert.False(t, eq, "%s and %s must stay distinct", tt.a, tt.b)
		})
	}

	v, err := n.Normalize(ctx, nil, "n", json.RawMessage(`1.0`))
	require.NoError(t, err)
	eq, err := canonical.Equal(v, 1)
	require.NoError(t, err)
	assert.True(t, eq)
}

type countingNormalizer struct {
	calls atomic.Int64
	flip  bool
}

func (n *countingNormalizer) Normalize(_ context.Context, _ *models.Source, _ string, raw json.RawMessage) (any, error) {
	call := n.calls.Add(1)
	if n.flip && call%2 == 0 {
		return "disagree", nil
	}
	return string(raw), nil
}

func TestVerifyingNormalizer(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	v := verify.New(verify.Config{Runs: 3, MaxRetries: 1, RetryDelay: time.Millisecond}, fake, nil)
	ctx := context.Background()

	agreeing := &countingNormalizer{}
	got, err := NewVerifyingNormalizer(agreeing, v).Normalize(ctx, nil, "name", json.RawMessage(`"Ada"`))
	require.NoError(t, err)
	assert.Equal(t, `"Ada"`, got)
	assert.Equal(t, int64(3), agreeing.calls.Load())

	flaky := &countingNormalizer{flip: true}
	_, err = NewVerifyingNormalizer(flaky, v).Normalize(ctx, nil, "name", json.RawMessage(`"Ada"`))
	assert.ErrorIs(t, err, verify.ErrInconsistent)
	assert.Equal(t, int64(6), flaky.calls.Load())
}
