package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fieldsync/fieldsync/internal/models"
)

// HTTPSender posts envelopes to <base>/contacts/<recipient>/changes.
//
// 2xx is a full delivery, 204 a no-op and 207 a partial delivery whose body
// reports {"delivered": n, "total": m}. The envelope ID is sent as the
// Idempotency-Key so redelivery of the same envelope has no extra effect.
type HTTPSender struct {
	*client
}

func NewHTTPSender(cfg ClientConfig) *HTTPSender {
	return &HTTPSender{client: newClient(cfg)}
}

type sendRequest struct {
	EnvelopeID string            `json:"envelope_id"`
	Payload    json.RawMessage   `json:"payload"`
	Provenance models.Provenance `json:"provenance"`
}

func (s *HTTPSender) Send(ctx context.Context, env *models.Envelope) (models.DeliveryResult, error) {
	body, err := json.Marshal(sendRequest{
		EnvelopeID: env.ID,
		Payload:    env.Payload,
		Provenance: env.Provenance,
	})
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("encode envelope: %w", err)
	}

	endpoint := fmt.Sprintf("%s/contacts/%s/changes", s.baseURL, url.PathEscape(env.Recipient))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.ID)
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("send envelope %s: %w", env.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return models.DeliveryResult{Noop: true}, nil
	case resp.StatusCode == http.StatusMultiStatus:
		var partial models.DeliveryResult
		if err := json.NewDecoder(resp.Body).Decode(&partial); err != nil {
			return models.DeliveryResult{}, fmt.Errorf("decode partial delivery: %w", err)
		}
		return partial, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.DeliveryResult{PartsTotal: 1, PartsDelivered: 1}, nil
	default:
		return models.DeliveryResult{PartsTotal: 1}, statusError(resp)
	}
}
