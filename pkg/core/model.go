package core

import (
	"time"

	"github.com/3FT-io/matsync/pkg/project"
)

// The host-facing types live in pkg/project so that lower layers can use
// them without importing the engine.
type (
	Host     = project.Host
	Project  = project.Project
	Material = project.Material
	Remap    = project.Remap
)

// LibraryStatus represents the current state of the library and the engine
type LibraryStatus struct {
	LibraryPath       string         `json:"library_path"`
	DatabasePath      string         `json:"database_path"`
	TotalEntries      int            `json:"total_entries"`
	StoredDefinitions int            `json:"stored_definitions"`
	PackedBlocks      int            `json:"packed_blocks"`
	OpenProjects      []string       `json:"open_projects"`
	DirtyProjects     []string       `json:"dirty_projects,omitempty"`
	PendingThumbnails int            `json:"pending_thumbnails"`
	LastChange        int64          `json:"last_change"`
	Entries           []EntrySummary `json:"entries"`
}

// EntrySummary is the listing form of one library entry
type EntrySummary struct {
	Hash       string    `json:"hash"`
	Label      string    `json:"label"`
	UseCount   int64     `json:"use_count"`
	Packed     bool      `json:"packed"`
	Thumbnail  string    `json:"thumbnail"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}
