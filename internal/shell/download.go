package shell

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

type DownloadState string

const (
	DownloadQueued      DownloadState = "queued"
	DownloadProgressing DownloadState = "progressing"
	DownloadPaused      DownloadState = "paused"
	DownloadCompleted   DownloadState = "completed"
	DownloadCancelled   DownloadState = "cancelled"
	DownloadInterrupted DownloadState = "interrupted"
)

// Download is one entry of the host's download manager. Fields the host
// reports that are not modelled here are kept in Extra and round-trip
// through JSON unchanged.
type Download struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	Name          string        `json:"name"`
	State         DownloadState `json:"state"`
	IsPaused      bool          `json:"isPaused"`
	ReceivedBytes int64         `json:"receivedBytes"`
	TotalBytes    int64         `json:"totalBytes"`
	DownloadSpeed int64         `json:"downloadSpeed"`
	FileNotFound  bool          `json:"fileNotFound"`

	Extra map[string]json.RawMessage `json:"-"`
}

type downloadFields Download

func (d Download) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(downloadFields(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range d.Extra {
		if _, known := merged[key]; known {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

func (d *Download) UnmarshalJSON(data []byte) error {
	patch, err := DecodeDownloadPatch("", data)
	if err != nil {
		return err
	}
	*d = patch.Apply(Download{})
	return nil
}

// Patch returns a patch carrying every typed field of d plus its extras.
func (d Download) Patch() DownloadPatch {
	state := d.State
	return DownloadPatch{
		DownloadID:    d.ID,
		URL:           &d.URL,
		Name:          &d.Name,
		State:         &state,
		IsPaused:      &d.IsPaused,
		ReceivedBytes: &d.ReceivedBytes,
		TotalBytes:    &d.TotalBytes,
		DownloadSpeed: &d.DownloadSpeed,
		FileNotFound:  &d.FileNotFound,
		Extra:         maps.Clone(d.Extra),
	}
}

// DownloadPatch is a partial update. Nil fields are left untouched.
type DownloadPatch struct {
	DownloadID    string
	URL           *string
	Name          *string
	State         *DownloadState
	IsPaused      *bool
	ReceivedBytes *int64
	TotalBytes    *int64
	DownloadSpeed *int64
	FileNotFound  *bool
	Extra         map[string]json.RawMessage
}

func (p DownloadPatch) ID() string {
	return p.DownloadID
}

func (p DownloadPatch) Apply(base Download) Download {
	base.ID = p.DownloadID
	if p.URL != nil {
		base.URL = *p.URL
	}
	if p.Name != nil {
		base.Name = *p.Name
	}
	if p.State != nil {
		base.State = *p.State
	}
	if p.IsPaused != nil {
		base.IsPaused = *p.IsPaused
	}
	if p.ReceivedBytes != nil {
		base.ReceivedBytes = *p.ReceivedBytes
	}
	if p.TotalBytes != nil {
		base.TotalBytes = *p.TotalBytes
	}
	if p.DownloadSpeed != nil {
		base.DownloadSpeed = *p.DownloadSpeed
	}
	if p.FileNotFound != nil {
		base.FileNotFound = *p.FileNotFound
	}
	if len(p.Extra) > 0 {
		extra := make(map[string]json.RawMessage, len(base.Extra)+len(p.Extra))
		maps.Copy(extra, base.Extra)
		maps.Copy(extra, p.Extra)
		base.Extra = extra
	}
	return base
}

// Overlay returns p with every field next carries written over it.
func (p DownloadPatch) Overlay(next DownloadPatch) DownloadPatch {
	if next.DownloadID != "" {
		p.DownloadID = next.DownloadID
	}
	if next.URL != nil {
		p.URL = next.URL
	}
	if next.Name != nil {
		p.Name = next.Name
	}
	if next.State != nil {
		p.State = next.State
	}
	if next.IsPaused != nil {
		p.IsPaused = next.IsPaused
	}
	if next.ReceivedBytes != nil {
		p.ReceivedBytes = next.ReceivedBytes
	}
	if next.TotalBytes != nil {
		p.TotalBytes = next.TotalBytes
	}
	if next.DownloadSpeed != nil {
		p.DownloadSpeed = next.DownloadSpeed
	}
	if next.FileNotFound != nil {
		p.FileNotFound = next.FileNotFound
	}
	if len(next.Extra) > 0 {
		extra := make(map[string]json.RawMessage, len(p.Extra)+len(next.Extra))
		maps.Copy(extra, p.Extra)
		maps.Copy(extra, next.Extra)
		p.Extra = extra
	}
	return p
}

// DecodeDownloadPatch turns a JSON object of download fields into a patch.
// A non-empty id wins over an "id" key inside fields.
func DecodeDownloadPatch(id string, fields json.RawMessage) (DownloadPatch, error) {
	patch := DownloadPatch{DownloadID: id}
	trimmed := bytes.TrimSpace(fields)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if id == "" {
			return DownloadPatch{}, fmt.Errorf("%w: download id is required", ErrInvalidInput)
		}
		return patch, nil
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return DownloadPatch{}, fmt.Errorf("%w: download fields: %v", ErrInvalidInput, err)
	}
	for key, value := range raw {
		var err error
		switch key {
		case "id":
			var fieldID string
			err = json.Unmarshal(value, &fieldID)
			if err == nil && patch.DownloadID == "" {
				patch.DownloadID = fieldID
			}
		case "url":
			patch.URL, err = decodeField[string](value)
		case "name":
			patch.Name, err = decodeField[string](value)
		case "state":
			patch.State, err = decodeField[DownloadState](value)
		case "isPaused":
			patch.IsPaused, err = decodeField[bool](value)
		case "receivedBytes":
			patch.ReceivedBytes, err = decodeField[int64](value)
		case "totalBytes":
			patch.TotalBytes, err = decodeField[int64](value)
		case "downloadSpeed":
			patch.DownloadSpeed, err = decodeField[int64](value)
		case "fileNotFound":
			patch.FileNotFound, err = decodeField[bool](value)
		default:
			if patch.Extra == nil {
				patch.Extra = map[string]json.RawMessage{}
			}
			patch.Extra[key] = append(json.RawMessage(nil), value...)
		}
		if err != nil {
			return DownloadPatch{}, fmt.Errorf("%w: download field %s: %v", ErrInvalidInput, key, err)
		}
	}
	if patch.DownloadID == "" {
		return DownloadPatch{}, fmt.Errorf("%w: download id is required", ErrInvalidInput)
	}
	return patch, nil
}

// decodeField returns nil for an explicit JSON null so the field is left alone.
func decodeField[T any](raw json.RawMessage) (*T, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return &value, nil
}
