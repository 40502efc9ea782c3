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

// Package tree implements fetching tree status history from a tree status
// app.
package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
)

// Client fetches tree status from a tree status app.
type Client interface {
	// FetchLog fetches tree status transitions which happened at or before
	// `until`, most recent first.
	FetchLog(ctx context.Context, endpoint string, until time.Time) ([]Status, error)
}

// Status is one tree state transition.
type Status struct {
	// State describes the Tree state.
	State State
	// Since is the timestamp when the tree obtained this state.
	Since time.Time
	// Message is the message set by the sheriff along with the state.
	Message string
}

// State enumerates possible values for tree state.
type State int8

const (
	StateUnknown State = iota
	Open
	Closed
	Throttled
	InMaintenance
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Throttled:
		return "throttled"
	case InMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func convertToTreeState(s string) State {
	switch s {
	case "open":
		return Open
	case "closed", "close":
		return Closed
	case "throttled":
		return Throttled
	case "maintenance":
		return InMaintenance
	default:
		return StateUnknown
	}
}

// Latest returns the most recent transition at or before now.
//
// Returns false if there's none.
func Latest(log []Status, now time.Time) (Status, bool) {
	var ret Status
	found := false
	for _, s := range log {
		if s.Since.After(now) {
			continue
		}
		if !found || s.Since.After(ret.Since) {
			ret, found = s, true
		}
	}
	return ret, found
}

// logLimit is the number of transitions fetched.
const logLimit = 20

// HTTPClient fetches the tree status over HTTP.
type HTTPClient struct {
	*http.Client
}

// NewHTTPClient returns a Client backed by http.DefaultClient.
func NewHTTPClient() HTTPClient {
	return HTTPClient{http.DefaultClient}
}

// FetchLog implements Client.
func (c HTTPClient) FetchLog(ctx context.Context, endpoint string, until time.Time) ([]Status, error) {
	url := fmt.Sprintf("%s/allstatus?format=json&endTime=%d&limit=%d",
		strings.TrimSuffix(endpoint, "/"), until.Unix(), logLimit)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create new request").Err()
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "failed to get tree status from %s", url).Tag(transient.Tag).Err()
	}
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read response body from %s", url).Tag(transient.Tag).Err()
	}
	if resp.StatusCode >= 400 {
		logging.Errorf(ctx, "received error response when calling %s; response body: %q", url, string(bs))
		return nil, errors.Reason("received error when calling %s", url).Err()
	}
	var raw []struct {
		State   string `json:"general_state"`
		Date    string `json:"date"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(bs, &raw); err != nil {
		return nil, errors.Annotate(err, "failed to unmarshal JSON %q", string(bs)).Err()
	}
	const dateFormat = "2006-01-02 15:04:05.999999"
	ret := make([]Status, 0, len(raw))
	for _, r := range raw {
		t, err := time.Parse(dateFormat, r.Date)
		if err != nil {
			return nil, errors.Annotate(err, "failed to parse date %s", r.Date).Err()
		}
		ret = append(ret, Status{
			State:   convertToTreeState(r.State),
			Since:   t,
			Message: r.Message,
		})
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Since.After(ret[j].Since) })
	return ret, nil
}

// Fake is a Client returning a fixed log.
type Fake struct {
	Log []Status
	Err error
}

// FetchLog implements Client.
func (f *Fake) FetchLog(ctx context.Context, endpoint string, until time.Time) ([]Status, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var ret []Status
	for _, s := range f.Log {
		if !s.Since.After(until) {
			ret = append(ret, s)
		}
	}
	return ret, nil
}
