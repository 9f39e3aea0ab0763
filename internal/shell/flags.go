package shell

import (
	"fmt"

	"github.com/agentworkforce/shellsync/internal/reconcile"
)

type flagSubmitter interface {
	Submit(key string, settings UserSettings) bool
}

// FlagController flips archive user settings while keeping
// IsServing => IsSaved true. The local change and the render happen before
// the call returns; the write to the index goes through the submitter.
type FlagController struct {
	store  *reconcile.Store[Archive]
	writer flagSubmitter
	render func()
}

func NewFlagController(store *reconcile.Store[Archive], writer flagSubmitter, render func()) *FlagController {
	if render == nil {
		render = func() {}
	}
	return &FlagController{store: store, writer: writer, render: render}
}

// ToggleServing flips IsServing. Turning serving on also saves the archive.
func (c *FlagController) ToggleServing(key string) (UserSettings, error) {
	return c.toggle(key, func(s UserSettings) UserSettings {
		s.IsServing = !s.IsServing
		if s.IsServing {
			s.IsSaved = true
		}
		return s
	})
}

// ToggleSaved flips IsSaved. Unsaving an archive also stops serving it.
func (c *FlagController) ToggleSaved(key string) (UserSettings, error) {
	return c.toggle(key, func(s UserSettings) UserSettings {
		s.IsSaved = !s.IsSaved
		if !s.IsSaved {
			s.IsServing = false
		}
		return s
	})
}

// RestoreAll saves every unsaved archive and returns the keys it wrote.
// Archives that are already saved are not written again.
func (c *FlagController) RestoreAll() []string {
	restored := make([]UserSettings, 0)
	keys := make([]string, 0)
	for _, archive := range c.store.Snapshot() {
		if archive.UserSettings.IsSaved {
			continue
		}
		var next UserSettings
		changed := false
		c.store.Update(archive.Key, func(current Archive) Archive {
			if current.UserSettings.IsSaved {
				return current
			}
			current.UserSettings.IsSaved = true
			next = current.UserSettings
			changed = true
			return current
		})
		if changed {
			keys = append(keys, archive.Key)
			restored = append(restored, next)
		}
	}
	if len(keys) == 0 {
		return keys
	}
	c.render()
	for i, key := range keys {
		c.submit(key, restored[i])
	}
	return keys
}

func (c *FlagController) toggle(key string, flip func(UserSettings) UserSettings) (UserSettings, error) {
	var next UserSettings
	ok := c.store.Update(key, func(current Archive) Archive {
		current.UserSettings = flip(current.UserSettings)
		next = current.UserSettings
		return current
	})
	if !ok {
		return UserSettings{}, fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	c.render()
	c.submit(key, next)
	return next, nil
}

func (c *FlagController) submit(key string, settings UserSettings) {
	if c.writer == nil {
		return
	}
	c.writer.Submit(key, settings)
}
