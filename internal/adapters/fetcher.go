package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fieldsync/fieldsync/internal/models"
)

// HTTPFetcher reads rows from GET <base>/sources/<type>/<external_id>/rows?cursor=.
type HTTPFetcher struct {
	*client
}

func NewHTTPFetcher(cfg ClientConfig) *HTTPFetcher {
	return &HTTPFetcher{client: newClient(cfg)}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src *models.Source) (*models.FetchResult, error) {
	endpoint := fmt.Sprintf("%s/sources/%s/%s/rows",
		f.baseURL, url.PathEscape(string(src.Type)), url.PathEscape(src.ExternalID))
	if src.Cursor != "" {
		endpoint += "?" + url.Values{"cursor": {src.Cursor}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	f.authorize(req)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", src.Type, src.ExternalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var result models.FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	if result.Cursor == "" {
		result.Cursor = src.Cursor
	}
	return &result, nil
}
