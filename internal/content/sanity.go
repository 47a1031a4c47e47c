package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
)

const (
	defaultAPIVersion = "2023-05-03"
	defaultTimeout    = 15 * time.Second
	storyContentQuery = `*[_type == "story" && _id == $id][0].content`

	maxErrorBodyBytes = 512
)

var (
	// ErrFetchFailed reports a transport failure or an unexpected response from the CMS.
	ErrFetchFailed = errors.New("content: fetch failed")
	// ErrStoryNotFound reports a query that matched no story content.
	ErrStoryNotFound = errors.New("content: story not found")
	// ErrInvalidClientConfig reports a client that cannot address a dataset.
	ErrInvalidClientConfig = errors.New("content: invalid sanity client config")

	errMissingProjectID = errors.New("project id is required")
	errMissingDataset   = errors.New("dataset is required")
)

// Source fetches the full document of a story.
type Source interface {
	FetchStoryContent(ctx context.Context, storyID stories.StoryID) (json.RawMessage, error)
}

// SanityConfig addresses a Sanity dataset.
type SanityConfig struct {
	ProjectID  string
	Dataset    string
	APIVersion string
	Token      string
	// BaseURL overrides https://{project}.api.sanity.io, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// SanityClient reads story documents through the Sanity query API.
type SanityClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type queryResponse struct {
	Result json.RawMessage `json:"result"`
}

// NewSanityClient validates configuration and builds the query endpoint.
func NewSanityClient(cfg SanityConfig) (*SanityClient, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingProjectID)
	}
	dataset := strings.TrimSpace(cfg.Dataset)
	if dataset == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingDataset)
	}
	apiVersion := strings.TrimPrefix(strings.TrimSpace(cfg.APIVersion), "v")
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.api.sanity.io", url.PathEscape(projectID))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SanityClient{
		endpoint:   fmt.Sprintf("%s/v%s/data/query/%s", baseURL, apiVersion, url.PathEscape(dataset)),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchStoryContent returns the content field of the story document.
func (c *SanityClient) FetchStoryContent(ctx context.Context, storyID stories.StoryID) (json.RawMessage, error) {
	if storyID == "" {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, stories.ErrInvalidStoryID)
	}

	encodedID, err := json.Marshal(storyID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	query := url.Values{}
	query.Set("query", storyContentQuery)
	query.Set("$id", string(encodedID))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("story content request failed", zap.String("story_id", storyID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		c.logger.Warn("story content request rejected",
			zap.String("story_id", storyID.String()),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", body))
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, response.StatusCode)
	}

	var decoded queryResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrFetchFailed, err)
	}
	trimmed := bytes.TrimSpace(decoded.Result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	return json.RawMessage(trimmed), nil
}
