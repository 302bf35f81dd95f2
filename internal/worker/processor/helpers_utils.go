package processor

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// OutputKeys are the storage object keys of a job's published files.
type OutputKeys struct {
	Video string
	Spec  string
}

// GenerateOutputKeys returns the object keys for a job.
func GenerateOutputKeys(jobID string) *OutputKeys {
	return &OutputKeys{
		Video: fmt.Sprintf("renders/%s/final.mp4", jobID),
		Spec:  fmt.Sprintf("renders/%s/render.json", jobID),
	}
}

// JobDirs are the local directories of a job.
type JobDirs struct {
	Root   string
	Work   string
	Inputs string
	Output string
}

// DirsFor lays out a job under root: intermediates in work/, downloaded
// inputs in work/inputs/ and the final video directly in the job dir.
func DirsFor(root, jobID string) JobDirs {
	jobRoot := filepath.Join(root, SanitizeFilename(jobID))
	work := filepath.Join(jobRoot, "work")
	return JobDirs{
		Root:   jobRoot,
		Work:   work,
		Inputs: filepath.Join(work, "inputs"),
		Output: filepath.Join(jobRoot, "final.mp4"),
	}
}

// SanitizeFilename strips path separators and traversal from s.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "input"
	}
	return s
}

// ExtFromMime returns the file extension for a MIME type.
func ExtFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	default:
		return ""
	}
}

// extFor prefers the object key's own extension and falls back to the
// reported content type.
func extFor(objectKey, contentType string) string {
	if ext := strings.ToLower(path.Ext(objectKey)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ExtFromMime(contentType)
}
