package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmalhotra/crashlake/internal/config"
	"github.com/jmalhotra/crashlake/internal/pipeline"
)

// SocrataClient pages through SODA resources. Rate limits (429) and upstream
// 5xx are retried with backoff, honoring Retry-After; what it still can't
// get after the attempts is surfaced as a transient failure for the queue
// layer's retry budget.
type SocrataClient struct {
	baseURL  string
	appToken string
	pageSize int
	hc       *http.Client
}

func NewSocrataClient(cfg config.SocrataConfig) *SocrataClient {
	return &SocrataClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		appToken: cfg.AppToken,
		pageSize: cfg.PageSize,
		hc:       &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *SocrataClient) PageSize() int { return c.pageSize }

// Query is one SODA page request.
type Query struct {
	Select string
	Where  string
	Order  string
	Limit  int
	Offset int
}

// Page fetches one page of records from the resource with the given 4x4 id.
func (c *SocrataClient) Page(ctx context.Context, resourceID string, q Query) ([]map[string]any, error) {
	v := url.Values{}
	if q.Select != "" {
		v.Set("$select", q.Select)
	}
	if q.Where != "" {
		v.Set("$where", q.Where)
	}
	if q.Order != "" {
		v.Set("$order", q.Order)
	}
	v.Set("$limit", strconv.Itoa(q.Limit))
	v.Set("$offset", strconv.Itoa(q.Offset))

	u := fmt.Sprintf("%s/resource/%s.json?%s", c.baseURL, resourceID, v.Encode())
	raw, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, pipeline.Transient("unparseable response page", err)
	}
	return records, nil
}

// Columns fetches the live column metadata for a resource.
func (c *SocrataClient) Columns(ctx context.Context, resourceID string) ([]ColumnDescriptor, error) {
	u := fmt.Sprintf("%s/api/views/%s/columns.json", c.baseURL, resourceID)
	raw, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	var cols []struct {
		FieldName    string `json:"fieldName"`
		DataTypeName string `json:"dataTypeName"`
	}
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, pipeline.Transient("unparseable column metadata", err)
	}

	out := make([]ColumnDescriptor, 0, len(cols))
	for _, col := range cols {
		if strings.HasPrefix(col.FieldName, ":") {
			continue // system fields
		}
		out = append(out, ColumnDescriptor{Name: col.FieldName, Type: col.DataTypeName})
	}
	return out, nil
}

func (c *SocrataClient) getJSON(ctx context.Context, fullURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, pipeline.ConfigErr("bad request url", err)
		}
		req.Header.Set("User-Agent", "crashlake-extractor/1.0")
		if c.appToken != "" {
			req.Header.Set("X-App-Token", c.appToken)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			sleepCtx(ctx, time.Duration(attempt+1)*time.Second)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			sleepCtx(ctx, retryDelay(resp.Header.Get("Retry-After"), attempt))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			// 4xx other than 429 will not improve with retries.
			return nil, pipeline.ConfigErr(
				fmt.Sprintf("http %d from source api", resp.StatusCode),
				fmt.Errorf("%s", strings.TrimSpace(string(body))))
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return raw, nil
	}
	return nil, pipeline.Transient("source api unavailable", lastErr)
}

func retryDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			return time.Duration(secs) * time.Second
		}
		if when, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(when); d > 0 {
				return d
			}
		}
	}
	return time.Duration(2*(attempt+1)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
