package git

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// maxCapture bounds how much process output is retained per stream.
const maxCapture = 8 * 1024

// Result is the structured outcome of one git invocation.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Elapsed    time.Duration
	TimedOut   bool
	RefUpdates []RefUpdate
}

// RefUpdate is one line of `git push --porcelain` output.
type RefUpdate struct {
	// Flag is the porcelain status flag: ' ' fast-forward, '+' forced,
	// '-' deleted, '*' new ref, '!' rejected, '=' up to date.
	Flag    byte
	Ref     string
	Summary string
}

// Updated reports whether the ref actually changed downstream.
func (r RefUpdate) Updated() bool {
	return r.Flag != '=' && r.Flag != '!'
}

// RefsUpdated counts the refs that changed downstream.
func (r *Result) RefsUpdated() int64 {
	var n int64
	for _, u := range r.RefUpdates {
		if u.Updated() {
			n++
		}
	}
	return n
}

// BytesTransferred extracts the transfer size git reports on stderr, e.g.
// "Receiving objects: 100% (10/10), 4.35 MiB | 1.2 MiB/s, done.".
// Best effort; returns 0 when git printed no size.
func (r *Result) BytesTransferred() int64 {
	m := sizeRe.FindAllStringSubmatch(r.Stderr, -1)
	if len(m) == 0 {
		return 0
	}
	// The last match is the total of the final counting line.
	sz, err := humanize.ParseBytes(m[len(m)-1][1])
	if err != nil {
		return 0
	}
	return int64(sz)
}

var sizeRe = regexp.MustCompile(`(?m)\((?:\d+/\d+)\), ([\d.]+ [KMGT]?i?B)`)

// parseRefUpdates parses `git push --porcelain` stdout.
//
// Lines look like:
//
//	<flag>\t<from>:<to>\t<summary>
//
// bracketed by "To <url>" and "Done".
func parseRefUpdates(out string) []RefUpdate {
	var updates []RefUpdate
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 || line[1] != '\t' {
			continue
		}

		flag := line[0]
		fields := strings.SplitN(line[2:], "\t", 2)
		refspec := fields[0]

		var summary string
		if len(fields) > 1 {
			summary = fields[1]
		}

		ref := refspec
		if i := strings.LastIndexByte(refspec, ':'); i >= 0 {
			ref = refspec[i+1:]
		}

		updates = append(updates, RefUpdate{
			Flag:    flag,
			Ref:     ref,
			Summary: summary,
		})
	}
	return updates
}

// boundedBuffer keeps the head and tail of a stream, dropping the middle
// once cap is exceeded. Oversized git stderr stays useful without bloating
// history rows.
type boundedBuffer struct {
	head    bytes.Buffer
	tail    []byte
	cap     int
	dropped int64
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	return &boundedBuffer{cap: capacity}
}

// Write implements io.Writer.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.cap/2 - b.head.Len(); room > 0 {
		take := room
		if take > len(p) {
			take = len(p)
		}
		b.head.Write(p[:take])
		p = p[take:]
	}

	if len(p) > 0 {
		b.dropped += int64(len(p))
		b.tail = append(b.tail, p...)
		if max := b.cap / 2; len(b.tail) > max {
			b.tail = append(b.tail[:0:0], b.tail[len(b.tail)-max:]...)
		}
	}

	return n, nil
}

// String returns the captured output, marking any elision.
func (b *boundedBuffer) String() string {
	if len(b.tail) == 0 {
		return b.head.String()
	}
	dropped := b.dropped - int64(len(b.tail))
	if dropped <= 0 {
		return b.head.String() + string(b.tail)
	}
	return b.head.String() + "\n[... output truncated ...]\n" + string(b.tail)
}
