// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rietveld

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

// searchLimit is the page size used when listing pending issues.
const searchLimit = 1000

// HTTPClient talks to a code review instance over its JSON API.
type HTTPClient struct {
	// Client is the underlying HTTP client. Defaults to http.DefaultClient.
	Client *http.Client

	url      string
	email    string
	password string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the instance at baseURL, authenticating
// as email.
func NewHTTPClient(baseURL, email, password string) *HTTPClient {
	return &HTTPClient{
		url:      strings.TrimSuffix(baseURL, "/"),
		email:    email,
		password: password,
	}
}

// URL implements Client.
func (c *HTTPClient) URL() string { return c.url }

// Email implements Client.
func (c *HTTPClient) Email() string { return c.email }

// PendingIssues implements Client.
func (c *HTTPClient) PendingIssues(ctx context.Context) ([]int64, error) {
	var ret []int64
	cursor := ""
	for {
		q := url.Values{
			"format":    {"json"},
			"commit":    {"2"},
			"closed":    {"3"},
			"keys_only": {"True"},
			"limit":     {strconv.Itoa(searchLimit)},
			"order":     {"__key__"},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp struct {
			Results []int64 `json:"results"`
			Cursor  string  `json:"cursor"`
		}
		if err := c.getJSON(ctx, "/search?"+q.Encode(), &resp); err != nil {
			return nil, errors.Annotate(err, "failed to search pending issues").Err()
		}
		ret = append(ret, resp.Results...)
		if len(resp.Results) < searchLimit || resp.Cursor == "" {
			return ret, nil
		}
		cursor = resp.Cursor
	}
}

// IssueProperties implements Client.
func (c *HTTPClient) IssueProperties(ctx context.Context, issue int64, messages bool) (*Issue, error) {
	path := fmt.Sprintf("/api/%d", issue)
	if messages {
		path += "?messages=true"
	}
	ret := &Issue{}
	if err := c.getJSON(ctx, path, ret); err != nil {
		return nil, errors.Annotate(err, "failed to load issue %d", issue).Err()
	}
	return ret, nil
}

// Patch implements Client.
func (c *HTTPClient) Patch(ctx context.Context, issue, patchset int64) (*Patch, error) {
	var props struct {
		Files map[string]json.RawMessage `json:"files"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/%d/%d", issue, patchset), &props); err != nil {
		return nil, errors.Annotate(err, "failed to load patchset %d-%d", issue, patchset).Err()
	}
	diff, err := c.get(ctx, fmt.Sprintf("/download/issue%d_%d.diff", issue, patchset))
	if err != nil {
		return nil, errors.Annotate(err, "failed to download patchset %d-%d", issue, patchset).Err()
	}
	files := make([]string, 0, len(props.Files))
	for f := range props.Files {
		files = append(files, f)
	}
	sort.Strings(files)
	return &Patch{Diff: diff, Files: files}, nil
}

// AddComment implements Client.
func (c *HTTPClient) AddComment(ctx context.Context, issue int64, message string) error {
	return c.post(ctx, fmt.Sprintf("/%d/publish", issue), url.Values{
		"message_only":    {"True"},
		"message":         {message},
		"add_as_reviewer": {"False"},
		"send_mail":       {"True"},
		"no_redirect":     {"True"},
	})
}

// SetFlag implements Client.
func (c *HTTPClient) SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error {
	return c.post(ctx, fmt.Sprintf("/%d/edit_flags", issue), url.Values{
		"last_patchset": {strconv.FormatInt(patchset, 10)},
		flag:            {value},
	})
}

// CloseIssue implements Client.
func (c *HTTPClient) CloseIssue(ctx context.Context, issue int64) error {
	return c.post(ctx, fmt.Sprintf("/%d/close", issue), url.Values{})
}

// UpdateDescription implements Client.
func (c *HTTPClient) UpdateDescription(ctx context.Context, issue int64, description string) error {
	return c.post(ctx, fmt.Sprintf("/%d/description", issue), url.Values{
		"description": {description},
	})
}

// TriggerTryJobs implements Client.
func (c *HTTPClient) TriggerTryJobs(ctx context.Context, issue, patchset int64, builders []string) error {
	b, err := json.Marshal(builders)
	if err != nil {
		return errors.Annotate(err, "failed to marshal builders").Err()
	}
	return c.post(ctx, fmt.Sprintf("/%d/try/%d", issue, patchset), url.Values{
		"builders": {string(b)},
	})
}

// TryJobResults implements Client.
func (c *HTTPClient) TryJobResults(ctx context.Context, issue, patchset int64) ([]TryJobResult, error) {
	var resp struct {
		TryJobResults []TryJobResult `json:"try_job_results"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/%d/%d?try_jobs=true", issue, patchset), &resp); err != nil {
		return nil, errors.Annotate(err, "failed to load try jobs of %d-%d", issue, patchset).Err()
	}
	return resp.TryJobResults, nil
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Annotate(err, "failed to unmarshal response of %s", path).Err()
	}
	return nil
}

// get fetches path, retrying transient failures.
func (c *HTTPClient) get(ctx context.Context, path string) (body []byte, err error) {
	err = retry.Retry(ctx, transient.Only(retry.Default), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
		if err != nil {
			return errors.Annotate(err, "failed to create new request").Err()
		}
		body, err = c.do(req)
		return err
	}, retry.LogCallback(ctx, "rietveld GET "+path))
	return body, err
}

// post sends a form. Writes are never retried since they aren't idempotent.
func (c *HTTPClient) post(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Annotate(err, "failed to create new request").Err()
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := c.do(req); err != nil {
		return errors.Annotate(err, "POST %s", path).Err()
	}
	logging.Debugf(ctx, "POST %s%s", c.url, path)
	return nil
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	if c.email != "" {
		req.SetBasicAuth(c.email, c.password)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "failed to call %s", req.URL).Tag(transient.Tag).Err()
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read response body from %s", req.URL).Tag(transient.Tag).Err()
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, errors.Reason("%s returned HTTP %d", req.URL, resp.StatusCode).Tag(transient.Tag).Err()
	case resp.StatusCode >= 400:
		return nil, errors.Reason("%s returned HTTP %d: %q", req.URL, resp.StatusCode, body).Err()
	}
	return body, nil
}
