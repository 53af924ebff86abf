package dvr

import (
	"slices"

	"github.com/onnwee/live-dvr/db"
)

// Entry is one recording known to the engine, with its session while the
// capture is running.
type Entry struct {
	Rec     db.Recording
	Session *Session

	// deleteOnStop removes the recording once its aborted capture exits.
	deleteOnStop bool
}

// Active reports whether the entry's capture is still running.
func (e *Entry) Active() bool { return e.Session != nil }

// Registry is the engine's ordered set of recordings. It is owned by the
// engine loop and is not safe for concurrent use.
type Registry struct {
	entries []*Entry
}

// Add appends e.
func (r *Registry) Add(e *Entry) { r.entries = append(r.entries, e) }

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.entries) }

// Get returns the entry for key, or nil.
func (r *Registry) Get(key db.RecordingKey) *Entry {
	for _, e := range r.entries {
		if e.Rec.Key() == key {
			return e
		}
	}
	return nil
}

// BySession returns the entry owning s, or nil once it has been removed.
func (r *Registry) BySession(s *Session) *Entry {
	for _, e := range r.entries {
		if e.Session == s {
			return e
		}
	}
	return nil
}

// ActiveFor returns the running entry for channel, or nil.
func (r *Registry) ActiveFor(channel string) *Entry {
	for _, e := range r.entries {
		if e.Active() && e.Rec.Channel == channel {
			return e
		}
	}
	return nil
}

// Remove drops e; it reports whether e was present.
func (r *Registry) Remove(e *Entry) bool {
	i := slices.Index(r.entries, e)
	if i < 0 {
		return false
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return true
}

// All returns every entry, oldest timestamp first.
func (r *Registry) All() []*Entry {
	out := slices.Clone(r.entries)
	sortOldestFirst(out)
	return out
}

// ForChannel returns channel's entries, oldest timestamp first.
func (r *Registry) ForChannel(channel string) []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if e.Rec.Channel == channel {
			out = append(out, e)
		}
	}
	sortOldestFirst(out)
	return out
}

// Active returns the running entries.
func (r *Registry) Active() []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if e.Active() {
			out = append(out, e)
		}
	}
	return out
}

// LatestTimestamp is the newest timestamp recorded for (platform, channel), or 0.
func (r *Registry) LatestTimestamp(platform, channel string) int64 {
	var ts int64
	for _, e := range r.entries {
		if e.Rec.Platform == platform && e.Rec.Channel == channel && e.Rec.Timestamp > ts {
			ts = e.Rec.Timestamp
		}
	}
	return ts
}

// Records copies out the recordings, newest first.
func (r *Registry) Records() []db.Recording {
	all := r.All()
	out := make([]db.Recording, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i].Rec)
	}
	return out
}

func sortOldestFirst(es []*Entry) {
	slices.SortStableFunc(es, func(a, b *Entry) int {
		switch {
		case a.Rec.Timestamp < b.Rec.Timestamp:
			return -1
		case a.Rec.Timestamp > b.Rec.Timestamp:
			return 1
		}
		return 0
	})
}
