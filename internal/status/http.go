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

package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/sync/dispatcher"
	"go.chromium.org/luci/common/sync/dispatcher/buffer"

	"go.chromium.org/commitqueue/internal/metrics"
	"go.chromium.org/commitqueue/internal/pending"
)

// HTTPOptions configures an HTTP notifier.
type HTTPOptions struct {
	// Password is sent along the packets.
	Password string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// RetryDelay is the delay before resending a failed batch. Defaults to 60s.
	RetryDelay time.Duration
	// CloseTimeout bounds how long Close waits for queued packets. Defaults to
	// 30s.
	CloseTimeout time.Duration
	// QPS limits how often batches are sent. Defaults to 1.
	QPS float64
	// MaxBuffered is the number of packets kept while the dashboard is
	// unreachable. The oldest batches are dropped past it. Defaults to 1000.
	MaxBuffered int
}

// HTTP posts packets to the dashboard in the background.
//
// A single batch is in flight at any time so packets are delivered in order.
type HTTP struct {
	baseURL string
	opts    HTTPOptions

	ch     dispatcher.Channel[Packet]
	cancel context.CancelFunc

	// m keeps Close from closing the channel under a concurrent Send.
	m       sync.RWMutex
	closing atomic.Bool
}

var _ Notifier = (*HTTP)(nil)

// batchItemsMax is the maximum number of packets in one POST.
const batchItemsMax = 10

// NewHTTP starts a notifier posting to baseURL.
func NewHTTP(ctx context.Context, baseURL string, opts HTTPOptions) (*HTTP, error) {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 30 * time.Second
	}
	if opts.QPS <= 0 {
		opts.QPS = 1
	}
	if opts.MaxBuffered < batchItemsMax {
		opts.MaxBuffered = 1000
	}
	h := &HTTP{baseURL: strings.TrimSuffix(baseURL, "/"), opts: opts}

	ctx, h.cancel = context.WithCancel(ctx)
	dOpts := &dispatcher.Options[Packet]{
		ErrorFn: func(b *buffer.Batch[Packet], err error) bool {
			if h.isClosing() {
				return false
			}
			logging.Warningf(ctx, "failed to send %d status packets, retrying in %s: %s", len(b.Data), opts.RetryDelay, err)
			return true
		},
		DropFn: func(b *buffer.Batch[Packet], flush bool) {
			if flush {
				return
			}
			logging.Errorf(ctx, "dropping %d status packets", len(b.Data))
			metrics.Internal.StatusPacketsDropped.Add(ctx, int64(len(b.Data)))
		},
		QPSLimit: rate.NewLimiter(rate.Limit(opts.QPS), 1),
		Buffer: buffer.Options{
			MaxLeases:     1,
			BatchItemsMax: batchItemsMax,
			BatchAgeMax:   time.Second,
			FullBehavior:  &buffer.DropOldestBatch{MaxLiveItems: opts.MaxBuffered},
			Retry: func(context.Context) retry.Iterator {
				return &fixedDelay{delay: opts.RetryDelay, closing: h.isClosing}
			},
		},
	}
	var err error
	h.ch, err = dispatcher.NewChannel[Packet](ctx, dOpts, func(b *buffer.Batch[Packet]) error {
		return h.post(ctx, b)
	})
	if err != nil {
		h.cancel()
		return nil, errors.Annotate(err, "failed to create the status channel").Err()
	}
	return h, nil
}

// fixedDelay retries forever until the notifier is closing.
type fixedDelay struct {
	delay   time.Duration
	closing func() bool
}

func (f *fixedDelay) Next(context.Context, error) time.Duration {
	if f.closing() {
		return retry.Stop
	}
	return f.delay
}

func (h *HTTP) isClosing() bool {
	return h.closing.Load()
}

// URL implements Notifier.
func (h *HTTP) URL() string { return h.baseURL }

// Send implements Notifier.
//
// Never waits on the dashboard: once MaxBuffered packets are pending, the
// oldest batch is dropped to make room.
func (h *HTTP) Send(ctx context.Context, c *pending.Commit, p Packet) {
	rec := Record(ctx, c, p)
	h.m.RLock()
	defer h.m.RUnlock()
	if h.closing.Load() {
		logging.Warningf(ctx, "status notifier is closed, dropping a packet for %s", c.Name())
		return
	}
	select {
	case h.ch.C <- rec:
	case <-ctx.Done():
		logging.Warningf(ctx, "dropping a status packet for %s: %s", c.Name(), ctx.Err())
		metrics.Internal.StatusPacketsDropped.Add(ctx, 1)
	}
}

// Close implements Notifier.
//
// Waits for queued packets to be sent, up to CloseTimeout. Failed batches are
// not retried anymore.
func (h *HTTP) Close(ctx context.Context) {
	h.m.Lock()
	if h.closing.Swap(true) {
		h.m.Unlock()
		return
	}
	h.m.Unlock()

	ctx, cancel := clock.WithTimeout(ctx, h.opts.CloseTimeout)
	defer cancel()
	h.ch.CloseAndDrain(ctx)
	if ctx.Err() != nil {
		logging.Warningf(ctx, "timed out flushing status packets")
	}
	// Drops whatever is still queued.
	h.cancel()
	<-h.ch.DrainC
}

func (h *HTTP) post(ctx context.Context, b *buffer.Batch[Packet]) error {
	packets := make([]Packet, len(b.Data))
	for i, item := range b.Data {
		packets[i] = item.Item
	}
	blob, err := json.Marshal(packets)
	if err != nil {
		return errors.Annotate(err, "failed to serialize status packets").Err()
	}
	form := url.Values{
		"p":        {string(blob)},
		"password": {h.opts.Password},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+"/receiver", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Annotate(err, "failed to create new request").Err()
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := h.opts.Client.Do(req)
	if err != nil {
		return errors.Annotate(err, "failed to post status").Tag(transient.Tag).Err()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Reason("status receiver returned HTTP %d", resp.StatusCode).Tag(transient.Tag).Err()
	}
	logging.Debugf(ctx, "sent %d status packets", len(packets))
	metrics.Internal.StatusPacketsSent.Add(ctx, int64(len(packets)))
	return nil
}
