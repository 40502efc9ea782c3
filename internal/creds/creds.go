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

// Package creds reads passwords from a local credentials file.
package creds

import (
	"bufio"
	"os"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Store holds passwords keyed by user.
type Store struct {
	path      string
	passwords map[string]string
}

// Load parses a file with one `user:password` entry per line.
//
// Empty lines and lines starting with '#' are skipped.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open the credentials file").Err()
	}
	defer f.Close()

	s := &Store{path: path, passwords: map[string]string{}}
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		user, pwd, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return nil, errors.Reason("%s:%d: expected `user:password`", path, line).Err()
		}
		s.passwords[user] = pwd
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotate(err, "failed to read %s", path).Err()
	}
	return s, nil
}

// Get returns the password of user.
func (s *Store) Get(user string) (string, error) {
	pwd, ok := s.passwords[user]
	if !ok {
		return "", errors.Reason("no password for %s in %s", user, s.path).Err()
	}
	return pwd, nil
}
