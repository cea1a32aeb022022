// Package ninehire fetches applicants from the NineHire recruiting API. The API is paginated,
// Client.Applicants walks pages one by one and returns all applicants of a job in API order.
package ninehire

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

const (
	// DefaultBaseURL is NineHire API v1 root
	DefaultBaseURL = "https://api.ninehire.com/api/v1"

	// PageSize is the number of applicants requested per page
	PageSize = 100

	// DefaultInclude lists related entities requested with each applicant
	DefaultInclude = "resume,answers,education,experience,license,language,military,veteran,disability"

	// DefaultFields lists applicant fields requested from the API
	DefaultFields = "id,name,email,phoneNumber,appliedAt,updatedAt,status,source,recruitment,step,customAnswers," +
		"educations,experiences,licenses,languages,militaryService,veteranStatus,disability,gender,birthday"

	defaultTimeout  = 30 * time.Second
	defaultMaxPages = 1000
	maxBodySize     = 32 * 1024 * 1024
)

var (
	// ErrValidation is returned for a request missing job id
	ErrValidation = errors.New("invalid request")

	// ErrFetch is returned when any page can't be retrieved
	ErrFetch = errors.New("failed to fetch applicants")
)

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Params for New
type Params struct {
	BaseURL    string        // api root, DefaultBaseURL if empty
	APIKey     string        // bearer token
	Timeout    time.Duration // per page request, 30s if zero
	MaxPages   int           // hard ceiling on pages per call, 1000 if zero
	Include    string        // DefaultInclude if empty
	Fields     string        // DefaultFields if empty
	Repeater   Repeater      // optional, page requests are not repeated if nil
	HTTPClient *http.Client  // optional, made from Timeout if nil
}

// Client aggregates paginated applicant listings
type Client struct {
	baseURL  string
	apiKey   string
	maxPages int
	include  string
	fields   string
	repeater Repeater
	client   *http.Client
}

// pageResponse is a single page of /applicants
type pageResponse struct {
	Results json.RawMessage `json:"results"`
}

// New makes a Client, zero Params fields replaced by defaults
func New(p Params) *Client {
	res := &Client{
		baseURL:  strings.TrimSuffix(p.BaseURL, "/"),
		apiKey:   p.APIKey,
		maxPages: p.MaxPages,
		include:  p.Include,
		fields:   p.Fields,
		repeater: p.Repeater,
		client:   p.HTTPClient,
	}
	if res.baseURL == "" {
		res.baseURL = DefaultBaseURL
	}
	if res.maxPages <= 0 {
		res.maxPages = defaultMaxPages
	}
	if res.include == "" {
		res.include = DefaultInclude
	}
	if res.fields == "" {
		res.fields = DefaultFields
	}
	if res.client == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		res.client = &http.Client{Timeout: timeout}
	}
	return res
}

// Applicants returns all applicants of the job, pages concatenated in order.
// Stops on an empty page, on a short page (less than PageSize), or on a page identical to the
// previous one, which is dropped. Any failed page fails the whole call, no partial result returned.
func (c *Client) Applicants(ctx context.Context, jobID string) ([]json.RawMessage, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrValidation)
	}

	res := []json.RawMessage{}
	var prevFingerprint [sha256.Size]byte
	for page := 1; ; page++ {
		if page > c.maxPages {
			log.Printf("[WARN] stopped fetching applicants for job %s after %d pages, %d collected", jobID, c.maxPages, len(res))
			return res, nil
		}

		raw, err := c.fetchPage(ctx, jobID, page)
		if err != nil {
			return nil, err
		}

		batch, err := decodeBatch(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: can't decode page %d: %v", ErrFetch, page, err)
		}
		if len(batch) == 0 {
			break
		}

		fingerprint := sha256.Sum256(raw)
		if page > 1 && fingerprint == prevFingerprint {
			log.Printf("[WARN] page %d for job %s repeats page %d, stop paging", page, jobID, page-1)
			break
		}
		prevFingerprint = fingerprint

		res = append(res, batch...)
		if len(batch) < PageSize {
			break
		}
	}

	log.Printf("[DEBUG] fetched %d applicants for job %s", len(res), jobID)
	return res, nil
}

// fetchPage gets a single page and returns its raw results array
func (c *Client) fetchPage(ctx context.Context, jobID string, page int) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("jobId", jobID)
	params.Set("include", c.include)
	params.Set("status", "all")
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(PageSize))
	params.Set("fields", c.fields)

	var body []byte
	get := func() (err error) {
		body, err = c.get(ctx, "/applicants", params)
		return err
	}

	var err error
	if c.repeater != nil {
		err = c.repeater.Do(ctx, get)
	} else {
		err = get()
	}
	if err != nil {
		if errors.Is(err, ErrFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: page %d: %v", ErrFetch, page, err)
	}

	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: can't decode page %d: %v", ErrFetch, page, err)
	}
	return resp.Results, nil
}

// get makes authorized GET request and returns body of 200 response
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code %d for page %s", ErrFetch, resp.StatusCode, params.Get("page"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrFetch, err)
	}
	return body, nil
}

// decodeBatch splits raw results array into applicants, null and absent results are empty
func decodeBatch(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}
