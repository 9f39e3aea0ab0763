package shell

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
	ActionOpen   = "open"
	ActionShow   = "show"
	ActionRemove = "remove"
)

// DownloadRow is the render-ready projection of one download.
type DownloadRow struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	State         DownloadState `json:"state"`
	Status        string        `json:"status"`
	Progress      string        `json:"progress"`
	ReceivedBytes int64         `json:"receivedBytes"`
	TotalBytes    int64         `json:"totalBytes"`
	FileNotFound  bool          `json:"fileNotFound"`
	Actions       []string      `json:"actions"`
}

func ProjectDownload(d Download) DownloadRow {
	row := DownloadRow{
		ID:            d.ID,
		Name:          d.Name,
		URL:           d.URL,
		State:         d.State,
		ReceivedBytes: d.ReceivedBytes,
		TotalBytes:    d.TotalBytes,
		FileNotFound:  d.FileNotFound,
	}
	switch d.State {
	case DownloadProgressing:
		if d.IsPaused {
			row.Status = "Paused"
			row.Actions = []string{ActionResume, ActionCancel}
		} else {
			row.Status = formatBytes(d.DownloadSpeed) + "/s"
			row.Actions = []string{ActionPause, ActionCancel}
		}
		row.Progress = formatBytes(d.ReceivedBytes) + " / " + formatBytes(d.TotalBytes)
	case DownloadCompleted:
		row.Status = "Done"
		row.Progress = formatBytes(d.TotalBytes)
		if d.FileNotFound {
			row.Actions = []string{ActionRemove}
		} else {
			row.Actions = []string{ActionOpen, ActionShow, ActionRemove}
		}
	default:
		row.Status = capitalize(string(d.State))
		row.Actions = []string{ActionRemove}
	}
	return row
}

// ProjectDownloads renders newest first and keeps rows whose name or url
// contains query. query is expected in lower case.
func ProjectDownloads(downloads []Download, query string) []DownloadRow {
	rows := make([]DownloadRow, 0, len(downloads))
	for i := len(downloads) - 1; i >= 0; i-- {
		d := downloads[i]
		if query != "" && !matchesQuery(d, query) {
			continue
		}
		rows = append(rows, ProjectDownload(d))
	}
	return rows
}

func matchesQuery(d Download, query string) bool {
	return strings.Contains(strings.ToLower(d.Name), query) ||
		strings.Contains(strings.ToLower(d.URL), query)
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
