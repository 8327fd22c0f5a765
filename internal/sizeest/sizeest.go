// Package sizeest maps a parsed yt-dlp format list to a per-resolution
// byte-size estimate. It is a pure function over already-fetched
// metadata (spec.md §1 scopes it as an external collaborator) and is
// kept standard-library only on purpose: there is nothing here a
// third-party library would help with.
package sizeest

import (
	"fmt"
	"sort"

	"github.com/ytsize/ytsize-core/internal/subprocess"
)

// Sizes maps a resolution label ("1080p", "720p", "audio", ...) to its
// estimated size in bytes.
type Sizes map[string]int64

// Human maps the same resolution labels to a human-readable string
// ("42.3 MB").
type Human map[string]string

// Estimate computes per-resolution byte sizes from meta.Formats.
// durationHint, when greater than zero, overrides meta.Duration for
// formats that report only a bitrate (no exact filesize) — the caller
// may know the true duration more precisely than the extractor did.
func Estimate(meta *subprocess.Metadata, durationHint int) (Sizes, Human, error) {
	if meta == nil {
		return nil, nil, fmt.Errorf("sizeest: nil metadata")
	}

	duration := meta.Duration
	if durationHint > 0 {
		duration = float64(durationHint)
	}
	if duration <= 0 {
		return nil, nil, fmt.Errorf("sizeest: no usable duration for %q", meta.ID)
	}

	sizes := make(Sizes)
	for _, f := range meta.Formats {
		label := resolutionLabel(f)
		if label == "" {
			continue
		}

		bytes := formatBytes(f, duration)
		if bytes <= 0 {
			continue
		}

		// Several formats can share one label (e.g. multiple audio
		// tracks at "audio"); keep the largest as the representative
		// estimate for that label.
		if existing, ok := sizes[label]; !ok || bytes > existing {
			sizes[label] = bytes
		}
	}

	human := make(Human, len(sizes))
	for label, b := range sizes {
		human[label] = formatHuman(b)
	}

	return sizes, human, nil
}

func resolutionLabel(f subprocess.Format) string {
	switch {
	case f.VCodec == "" || f.VCodec == "none":
		if f.ACodec == "" || f.ACodec == "none" {
			return ""
		}
		return "audio"
	case f.Height > 0:
		return fmt.Sprintf("%dp", f.Height)
	case f.Resolution != "":
		return f.Resolution
	default:
		return ""
	}
}

// formatBytes prefers the extractor-reported filesize, falls back to the
// approximate filesize, and finally derives an estimate from the average
// bitrate (kbit/s) and duration when neither is present.
func formatBytes(f subprocess.Format, duration float64) int64 {
	switch {
	case f.Filesize > 0:
		return f.Filesize
	case f.FilesizeAp > 0:
		return f.FilesizeAp
	case f.TBR > 0:
		return int64(f.TBR * 1000 / 8 * duration)
	default:
		return 0
	}
}

func formatHuman(b int64) string {
	const unit = 1024.0
	v := float64(b)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for v >= unit && i < len(units)-1 {
		v /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}

// SortedLabels returns the resolution labels of sizes in descending
// pixel-height order (audio last). The handler uses this to give
// "labels" a stable order in the JSON response, since Go's map
// iteration (and so the "bytes"/"human" object key order) isn't.
func SortedLabels(sizes Sizes) []string {
	labels := make([]string, 0, len(sizes))
	for l := range sizes {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		hi, oki := heightOf(labels[i])
		hj, okj := heightOf(labels[j])
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		return hi > hj
	})
	return labels
}

func heightOf(label string) (int, bool) {
	if label == "audio" {
		return 0, false
	}
	var h int
	if _, err := fmt.Sscanf(label, "%dp", &h); err != nil {
		return 0, false
	}
	return h, true
}
