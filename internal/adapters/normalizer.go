package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/verify"
)

// Normalizer turns a raw field payload into the value that is compared.
type Normalizer interface {
	Normalize(ctx context.Context, src *models.Source, fieldID string, raw json.RawMessage) (any, error)
}

// PassthroughNormalizer decodes the raw field value and returns it unchanged.
// Numbers stay json.Number so values beyond float64 precision keep every digit.
type PassthroughNormalizer struct{}

func (PassthroughNormalizer) Normalize(_ context.Context, _ *models.Source, fieldID string, raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldID, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("field %s: unexpected data after value", fieldID)
	}
	return v, nil
}

// VerifyingNormalizer runs a non-deterministic normalizer redundantly and
// accepts its output only when every run agrees.
type VerifyingNormalizer struct {
	inner    Normalizer
	verifier *verify.Verifier
}

func NewVerifyingNormalizer(inner Normalizer, v *verify.Verifier) *VerifyingNormalizer {
	return &VerifyingNormalizer{inner: inner, verifier: v}
}

func (n *VerifyingNormalizer) Normalize(ctx context.Context, src *models.Source, fieldID string, raw json.RawMessage) (any, error) {
	return verify.Run(ctx, n.verifier, func(ctx context.Context) (any, error) {
		return n.inner.Normalize(ctx, src, fieldID, raw)
	})
}
