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

package checkout

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

const patch = `--- a/a.txt
+++ b/a.txt
@@ -1 +1 @@
-hello
+world
`

// upstream creates a bare repository with a single commit on master.
func upstream(t testing.TB) (url, rev string) {
	seed := filepath.Join(t.TempDir(), "seed")
	repo, err := git.PlainInit(seed, false)
	assert.NoErr(t, err)
	assert.NoErr(t, os.WriteFile(filepath.Join(seed, "a.txt"), []byte("hello\n"), 0644))
	wt, err := repo.Worktree()
	assert.NoErr(t, err)
	_, err = wt.Add("a.txt")
	assert.NoErr(t, err)
	sig := &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()}
	hash, err := wt.Commit("Initial commit", &git.CommitOptions{Author: sig, Committer: sig})
	assert.NoErr(t, err)

	bare := filepath.Join(t.TempDir(), "upstream.git")
	_, err = git.PlainClone(bare, true, &git.CloneOptions{URL: seed})
	assert.NoErr(t, err)
	return bare, hash.String()
}

func TestGit(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}

	ftt.Run("Git", t, func(t *ftt.Test) {
		ctx := context.Background()
		url, initial := upstream(t)
		g := NewGit(GitOptions{
			Root:     t.TempDir(),
			Name:     "proj",
			URL:      url,
			Branch:   "master",
			Settings: map[string]string{"VIEW_VC": "https://src.example.com/+/"},
		})
		assert.Loosely(t, g.ProjectName(), should.Equal("proj"))
		assert.Loosely(t, g.Setting("VIEW_VC"), should.Equal("https://src.example.com/+/"))

		rev, err := g.Prepare(ctx, "")
		assert.NoErr(t, err)
		assert.Loosely(t, rev, should.Equal(initial))

		t.Run("applies and commits", func(t *ftt.Test) {
			assert.NoErr(t, g.ApplyPatch(ctx, []byte(patch), ""))
			content, err := os.ReadFile(filepath.Join(g.ProjectPath(), "a.txt"))
			assert.NoErr(t, err)
			assert.Loosely(t, string(content), should.Equal("world\n"))

			committed, err := g.Commit(ctx, "Say world.\n\nReview URL: https://codereview.example.com/1", "author@example.com")
			assert.NoErr(t, err)
			assert.Loosely(t, committed, should.NotEqual(initial))

			up, err := git.PlainOpen(url)
			assert.NoErr(t, err)
			ref, err := up.Reference(plumbing.NewBranchReferenceName("master"), true)
			assert.NoErr(t, err)
			assert.Loosely(t, ref.Hash().String(), should.Equal(committed))

			c, err := up.CommitObject(ref.Hash())
			assert.NoErr(t, err)
			assert.Loosely(t, c.Author.Email, should.Equal("author@example.com"))
			assert.Loosely(t, c.Message, should.HavePrefix("Say world."))

			// Syncing again lands on the new tip.
			rev, err := g.Prepare(ctx, "")
			assert.NoErr(t, err)
			assert.Loosely(t, rev, should.Equal(committed))
		})

		t.Run("local changes are dropped", func(t *ftt.Test) {
			assert.NoErr(t, g.ApplyPatch(ctx, []byte(patch), ""))
			assert.NoErr(t, os.WriteFile(filepath.Join(g.ProjectPath(), "junk.txt"), []byte("x"), 0644))
			_, err := g.Prepare(ctx, "")
			assert.NoErr(t, err)

			content, err := os.ReadFile(filepath.Join(g.ProjectPath(), "a.txt"))
			assert.NoErr(t, err)
			assert.Loosely(t, string(content), should.Equal("hello\n"))
			_, err = os.Stat(filepath.Join(g.ProjectPath(), "junk.txt"))
			assert.Loosely(t, os.IsNotExist(err), should.BeTrue)
		})

		t.Run("bad patch", func(t *ftt.Test) {
			err := g.ApplyPatch(ctx, []byte("--- a/nope.txt\n+++ b/nope.txt\n@@ -1 +1 @@\n-a\n+b\n"), "")
			var pe *PatchError
			assert.Loosely(t, err, should.ErrLike("Failed to apply the patch."))
			assert.Loosely(t, errors.As(err, &pe), should.BeTrue)
			assert.Loosely(t, pe.Output, should.ContainSubstring("nope.txt"))
		})
	})
}

func TestReadOnly(t *testing.T) {
	t.Parallel()

	ftt.Run("ReadOnly", t, func(t *ftt.Test) {
		f := &Fake{Name: "proj"}
		ro := ReadOnly{f}
		rev, err := ro.Commit(context.Background(), "msg", "a@example.com")
		assert.NoErr(t, err)
		assert.Loosely(t, rev, should.Equal("FAKE"))
		assert.Loosely(t, f.Commits(), should.BeEmpty)
		assert.Loosely(t, ro.ProjectName(), should.Equal("proj"))
	})
}
