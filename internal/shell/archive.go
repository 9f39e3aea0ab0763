package shell

type UserSettings struct {
	IsSaved   bool `json:"isSaved"`
	IsServing bool `json:"isServing"`
}

// Normalize enforces serving-implies-saved by raising IsSaved.
func (s UserSettings) Normalize() UserSettings {
	if s.IsServing {
		s.IsSaved = true
	}
	return s
}

type ArchiveStats struct {
	Peers int   `json:"peers"`
	Bytes int64 `json:"bytes"`
	Files int   `json:"files"`
}

// Archive is a saved peer-to-peer archive as listed by the content index.
// MTime is milliseconds since the epoch.
type Archive struct {
	Key          string        `json:"key"`
	Title        string        `json:"title"`
	IsOwner      bool          `json:"isOwner"`
	MTime        int64         `json:"mtime"`
	UserSettings UserSettings  `json:"userSettings"`
	Stats        *ArchiveStats `json:"stats,omitempty"`
}

func (a Archive) Patch() ArchivePatch {
	settings := a.UserSettings
	p := ArchivePatch{
		Key:          a.Key,
		Title:        &a.Title,
		IsOwner:      &a.IsOwner,
		MTime:        &a.MTime,
		UserSettings: &settings,
	}
	if a.Stats != nil {
		stats := *a.Stats
		p.Stats = &stats
	}
	return p
}

type ArchivePatch struct {
	Key          string
	Title        *string
	IsOwner      *bool
	MTime        *int64
	UserSettings *UserSettings
	Stats        *ArchiveStats
}

func (p ArchivePatch) ID() string {
	return p.Key
}

func (p ArchivePatch) Apply(base Archive) Archive {
	base.Key = p.Key
	if p.Title != nil {
		base.Title = *p.Title
	}
	if p.IsOwner != nil {
		base.IsOwner = *p.IsOwner
	}
	if p.MTime != nil {
		base.MTime = *p.MTime
	}
	if p.UserSettings != nil {
		base.UserSettings = *p.UserSettings
	}
	if p.Stats != nil {
		stats := *p.Stats
		base.Stats = &stats
	}
	return base
}

// statsPatch carries only the enrichment result for one archive.
func statsPatch(key string, stats ArchiveStats) ArchivePatch {
	return ArchivePatch{Key: key, Stats: &stats}
}
