// Package playback renders synthesized speech one unit at a time.
package playback

import "fmt"

// Ref is one playable unit: a resolved URL or inline audio bytes
type Ref struct {
	URL   string
	Audio []byte
}

func (r Ref) String() string {
	if r.URL != "" {
		return r.URL
	}
	return fmt.Sprintf("<%d bytes inline>", len(r.Audio))
}

// Queue is a single-flight FIFO. It only tracks order and the playing
// flag; the owner runs the player and reports completion with Done.
// A unit cancelled by Flush still counts as in flight until its completion
// arrives, so a stopping player never overlaps the next one.
// Not safe for concurrent use.
type Queue struct {
	items    []Ref
	playing  bool
	draining bool
	gen      uint64
	lastURL  string
}

// Enqueue appends ref. When nothing is playing it returns the ref to start
// now along with the generation its completion must report.
func (q *Queue) Enqueue(ref Ref) (Ref, uint64, bool) {
	if ref.URL != "" {
		q.lastURL = ref.URL
	}
	if q.playing || q.draining {
		q.items = append(q.items, ref)
		return Ref{}, 0, false
	}
	q.playing = true
	return ref, q.gen, true
}

// Done reports that the unit started under gen finished (or failed).
// A completion from before the last Flush only releases the flushed unit's
// hold; units queued since then start once it arrives. When more units are
// waiting the next one is returned to start immediately.
func (q *Queue) Done(gen uint64) (Ref, uint64, bool) {
	if gen != q.gen {
		if !q.draining {
			return Ref{}, 0, false
		}
		q.draining = false
		return q.next()
	}
	if !q.playing {
		return Ref{}, 0, false
	}
	q.playing = false
	return q.next()
}

func (q *Queue) next() (Ref, uint64, bool) {
	if len(q.items) == 0 {
		return Ref{}, 0, false
	}
	next := q.items[0]
	q.items[0] = Ref{}
	q.items = q.items[1:]
	q.playing = true
	return next, q.gen, true
}

// Flush drops everything waiting and invalidates the in-flight unit. It
// returns how many waiting units were dropped.
func (q *Queue) Flush() int {
	n := len(q.items)
	q.items = nil
	if q.playing {
		q.draining = true
	}
	q.playing = false
	q.gen++
	return n
}

// Stale reports whether a completion for gen belongs to a flushed unit
func (q *Queue) Stale(gen uint64) bool { return gen != q.gen }

// Playing reports whether a player is running, including one still
// stopping after a flush
func (q *Queue) Playing() bool { return q.playing || q.draining }

func (q *Queue) Len() int        { return len(q.items) }
func (q *Queue) LastURL() string { return q.lastURL }
