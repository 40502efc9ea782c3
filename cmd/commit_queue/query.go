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

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"go.chromium.org/commitqueue/internal/pending"
)

// printQueue writes a human readable summary of q.
func printQueue(w io.Writer, q *pending.Queue, now time.Time) {
	if q.Len() == 0 {
		fmt.Fprintln(w, "The queue is empty.")
		return
	}
	fmt.Fprintf(w, "%s in the queue:\n", humanize.Plural(q.Len(), "change", "changes"))
	for _, c := range q.Commits {
		fmt.Fprintf(w, "  %s by %s, %s, added %s\n",
			c.Name(), c.Owner, c.State(), humanize.RelTime(c.Created, now, "ago", "from now"))
		for _, name := range c.VerifierNames() {
			r := c.Record(name)
			fmt.Fprintf(w, "    %-16s %s\n", name, r.State)
		}
	}
}
