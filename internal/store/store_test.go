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

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/google/go-cmp/cmp"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/server/redisconn"

	"go.chromium.org/commitqueue/internal/pending"
)

func sampleQueue(t testing.TB) *pending.Queue {
	c := &pending.Commit{
		Issue:       12,
		Patchset:    3,
		Description: "Fix.\n\nBUG=1",
		Owner:       "author@example.com",
		Reviewers:   []string{"r@example.com"},
		Messages:    []pending.Message{{Sender: "r@example.com", Text: "lgtm", Approval: true}},
		Files:       []string{"a.cc"},
		Created:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	c.SetRecord("reviewer_lgtm", pending.SucceededRecord())
	r := &pending.Record{State: pending.Processing}
	assert.NoErr(t, r.SetDetails(map[string]int{"linux": 1}))
	c.SetRecord("try job", r)
	q := &pending.Queue{}
	q.Add(c)
	return q
}

func testStore(t *ftt.Test, ctx context.Context, s Store) {
	t.Run("empty", func(t *ftt.Test) {
		q, err := s.Load(ctx)
		assert.NoErr(t, err)
		assert.Loosely(t, q.Len(), should.BeZero)
	})

	t.Run("roundtrip", func(t *ftt.Test) {
		want := sampleQueue(t)
		assert.NoErr(t, s.Save(ctx, want))
		got, err := s.Load(ctx)
		assert.NoErr(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("unexpected queue (-want +got):\n%s", diff)
		}
		assert.Loosely(t, got.Get(12).State(), should.Equal(pending.Processing))

		// Overwrites.
		assert.NoErr(t, s.Save(ctx, &pending.Queue{}))
		got, err = s.Load(ctx)
		assert.NoErr(t, err)
		assert.Loosely(t, got.Len(), should.BeZero)
	})
}

func TestFile(t *testing.T) {
	t.Parallel()

	ftt.Run("File", t, func(t *ftt.Test) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "proj.json")
		testStore(t, ctx, File{Path: path})

		t.Run("invalid state", func(t *ftt.Test) {
			assert.NoErr(t, os.WriteFile(path, []byte(`{"pending_commits": [{"issue": 1, "patchset": 1, "verifications": {"x": {"state": 42}}}]}`), 0644))
			_, err := File{Path: path}.Load(ctx)
			assert.Loosely(t, err, should.ErrLike(`invalid "x" record`))
		})

		t.Run("no temp files left", func(t *ftt.Test) {
			assert.NoErr(t, File{Path: path}.Save(ctx, sampleQueue(t)))
			entries, err := os.ReadDir(filepath.Dir(path))
			assert.NoErr(t, err)
			assert.Loosely(t, entries, should.HaveLength(1))
		})
	})
}

func TestRedis(t *testing.T) {
	t.Parallel()

	ftt.Run("Redis", t, func(t *ftt.Test) {
		s, err := miniredis.Run()
		assert.Loosely(t, err, should.BeNil)
		defer s.Close()
		ctx := redisconn.UsePool(context.Background(), &redis.Pool{
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", s.Addr())
			},
		})
		testStore(t, ctx, Redis{Key: "commitqueue/proj"})

		t.Run("not configured", func(t *ftt.Test) {
			_, err := Redis{Key: "k"}.Load(context.Background())
			assert.Loosely(t, err, should.ErrLike("failed to connect to redis"))
		})
	})
}
