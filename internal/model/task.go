package model

import (
	"sort"
	"time"
)

// TaskMeta is what a client declares when it starts a chunked upload.
type TaskMeta struct {
	UserID       string `json:"userId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileType     string `json:"fileType"`
	DeclaredHash string `json:"declaredHash,omitempty"`
	TotalChunks  int    `json:"totalChunks"`
}

// UploadTask is an upload in progress. Received holds the chunk indices seen
// so far, sorted ascending and without duplicates.
type UploadTask struct {
	ID string `json:"id"`
	TaskMeta
	Received  []int     `json:"received"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Complete reports whether every index in [0, TotalChunks) has arrived.
func (t *UploadTask) Complete() bool {
	if t.TotalChunks <= 0 || len(t.Received) != t.TotalChunks {
		return false
	}
	idx := t.Indices()
	for i, v := range idx {
		if v != i {
			return false
		}
	}
	return true
}

// Indices returns a sorted copy of the received chunk indices.
func (t *UploadTask) Indices() []int {
	out := append([]int(nil), t.Received...)
	sort.Ints(out)
	return out
}

// Missing lists the indices the client still has to send.
func (t *UploadTask) Missing() []int {
	seen := make(map[int]struct{}, len(t.Received))
	for _, v := range t.Received {
		seen[v] = struct{}{}
	}
	var out []int
	for i := 0; i < t.TotalChunks; i++ {
		if _, ok := seen[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Completion is the outcome of a committed upload.
type Completion struct {
	FileID   string `json:"fileId"`
	UserID   string `json:"userId"`
	Hash     string `json:"hash"`
	DedupHit bool   `json:"dedupHit"`
	// HashMatches compares the server hash with the client declared one. It
	// is nil when the client declared nothing.
	HashMatches *bool `json:"hashMatches,omitempty"`
}
