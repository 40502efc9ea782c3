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

// Package store persists the queue of pending commits between runs.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/redisconn"

	"go.chromium.org/commitqueue/internal/pending"
)

// Store loads and saves the whole queue atomically.
type Store interface {
	// Load returns the saved queue, or an empty queue if nothing was saved.
	Load(ctx context.Context) (*pending.Queue, error)
	Save(ctx context.Context, q *pending.Queue) error
}

func decode(blob []byte) (*pending.Queue, error) {
	q := &pending.Queue{}
	if err := json.Unmarshal(blob, q); err != nil {
		return nil, errors.Annotate(err, "failed to parse the saved queue").Err()
	}
	for _, c := range q.Commits {
		for name, r := range c.Verifications {
			if r == nil || !r.State.Valid() {
				return nil, errors.Reason("%s has an invalid %q record", c.Name(), name).Err()
			}
		}
	}
	return q, nil
}

func encode(q *pending.Queue) ([]byte, error) {
	if q.Commits == nil {
		q = &pending.Queue{Commits: []*pending.Commit{}}
	}
	blob, err := json.Marshal(q)
	if err != nil {
		return nil, errors.Annotate(err, "failed to serialize the queue").Err()
	}
	return blob, nil
}

// File stores the queue as a JSON file.
type File struct {
	Path string
}

var _ Store = File{}

// Load implements Store.
func (f File) Load(ctx context.Context) (*pending.Queue, error) {
	blob, err := os.ReadFile(f.Path)
	switch {
	case os.IsNotExist(err):
		logging.Infof(ctx, "no saved queue at %s", f.Path)
		return &pending.Queue{}, nil
	case err != nil:
		return nil, errors.Annotate(err, "failed to read %s", f.Path).Err()
	}
	return decode(blob)
}

// Save implements Store.
//
// The file is replaced atomically.
func (f File) Save(ctx context.Context, q *pending.Queue) error {
	blob, err := encode(q)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return errors.Annotate(err, "failed to create a temp file").Err()
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return errors.Annotate(err, "failed to write %s", tmp.Name()).Err()
	}
	if err := tmp.Close(); err != nil {
		return errors.Annotate(err, "failed to close %s", tmp.Name()).Err()
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.Annotate(err, "failed to replace %s", f.Path).Err()
	}
	logging.Debugf(ctx, "saved %d pending commits to %s", q.Len(), f.Path)
	return nil
}

// Redis stores the queue under a single key of the Redis instance installed
// in the context with redisconn.UsePool.
type Redis struct {
	Key string
}

var _ Store = Redis{}

// Load implements Store.
func (r Redis) Load(ctx context.Context) (*pending.Queue, error) {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "failed to connect to redis").Tag(transient.Tag).Err()
	}
	defer conn.Close()

	blob, err := redis.Bytes(conn.Do("GET", r.Key))
	switch {
	case err == redis.ErrNil:
		logging.Infof(ctx, "no saved queue at redis key %q", r.Key)
		return &pending.Queue{}, nil
	case err != nil:
		return nil, errors.Annotate(err, "failed to read redis key %q", r.Key).Tag(transient.Tag).Err()
	}
	return decode(blob)
}

// Save implements Store.
func (r Redis) Save(ctx context.Context, q *pending.Queue) error {
	blob, err := encode(q)
	if err != nil {
		return err
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return errors.Annotate(err, "failed to connect to redis").Tag(transient.Tag).Err()
	}
	defer conn.Close()

	if _, err := conn.Do("SET", r.Key, blob); err != nil {
		return errors.Annotate(err, "failed to write redis key %q", r.Key).Tag(transient.Tag).Err()
	}
	return nil
}
