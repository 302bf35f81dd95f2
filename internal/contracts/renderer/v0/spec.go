// Package v0 is the render contract handed to the encoder: the scene
// timeline, the narration track and the output, plus the encoder argument
// list built from them.
package v0

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"avs/internal/pkg/errors"
)

// Version is written into render.json.
const Version = "v0"

// Clip is one visual segment of the timeline.
type Clip struct {
	SceneIndex int           `json:"scene_index"`
	Path       string        `json:"path"`
	Duration   time.Duration `json:"duration"`
	// Video clips are looped to fill Duration; images are held.
	Video bool `json:"video,omitempty"`
}

// RenderSpec is everything the encoder needs for one job.
type RenderSpec struct {
	Version    string `json:"version"`
	JobID      string `json:"job_id"`
	Clips      []Clip `json:"clips"`
	AudioPath  string `json:"audio_path"`
	OutputPath string `json:"output_path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
}

// Total returns the timeline length.
func (s RenderSpec) Total() time.Duration {
	var d time.Duration
	for _, c := range s.Clips {
		d += c.Duration
	}
	return d
}

// TempPath is where the encoder writes before the output is promoted.
func (s RenderSpec) TempPath() string {
	ext := filepath.Ext(s.OutputPath)
	return strings.TrimSuffix(s.OutputPath, ext) + ".partial" + ext
}

// Validate checks the render spec is renderable.
func (s RenderSpec) Validate() error {
	switch {
	case len(s.Clips) == 0:
		return errors.FailedPrecondition("render spec has no clips")
	case s.AudioPath == "":
		return errors.FailedPrecondition("render spec has no narration track")
	case s.OutputPath == "":
		return errors.FailedPrecondition("render spec has no output path")
	case s.Width <= 0 || s.Height <= 0 || s.FPS <= 0:
		return errors.FailedPrecondition(fmt.Sprintf("invalid render format %dx%d@%d", s.Width, s.Height, s.FPS))
	}
	for _, c := range s.Clips {
		if c.Path == "" || c.Duration <= 0 {
			return errors.FailedPrecondition(fmt.Sprintf("clip for scene %d is incomplete", c.SceneIndex))
		}
	}
	return nil
}

// MissingScenes returns, in ascending order, the scene indices in
// [0, sceneCount) that have no usable asset.
func MissingScenes(sceneCount int, assets map[int][]string) []int {
	var missing []int
	for i := 0; i < sceneCount; i++ {
		ok := false
		for _, p := range assets[i] {
			if strings.TrimSpace(p) != "" {
				ok = true
				break
			}
		}
		if !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}

// FormatIndices renders indices as "1, 2".
func FormatIndices(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

// Args builds the ffmpeg argument list. Progress is written as key=value
// lines on stderr and the result goes to TempPath.
func (s RenderSpec) Args() []string {
	args := []string{"-hide_banner", "-y", "-progress", "pipe:2", "-nostats"}

	for _, c := range s.Clips {
		secs := seconds(c.Duration)
		if c.Video {
			args = append(args, "-stream_loop", "-1", "-t", secs, "-i", c.Path)
		} else {
			args = append(args, "-loop", "1", "-framerate", strconv.Itoa(s.FPS), "-t", secs, "-i", c.Path)
		}
	}
	args = append(args, "-i", s.AudioPath)

	var filter strings.Builder
	for i := range s.Clips {
		fmt.Fprintf(&filter,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p[v%d];",
			i, s.Width, s.Height, s.Width, s.Height, s.FPS, i)
	}
	for i := range s.Clips {
		fmt.Fprintf(&filter, "[v%d]", i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=0[vout]", len(s.Clips))

	audio := strconv.Itoa(len(s.Clips))
	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "[vout]",
		"-map", audio+":a",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(s.FPS),
		"-c:a", "aac",
		"-b:a", "128k",
		"-t", seconds(s.Total()),
		"-movflags", "+faststart",
		s.TempPath(),
	)
	return args
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
