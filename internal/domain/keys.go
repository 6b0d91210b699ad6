package domain

import (
	"path"
	"strings"
)

// Storage key contract shared by the API, dispatcher and reconciler.

func OriginalKey(jobID string) string {
	return path.Join("jobs", jobID, "original")
}

func ThumbnailKey(jobID string) string {
	return path.Join("jobs", jobID, "thumbnail.jpg")
}

// ArtifactKey is the durable location of an attempt's output.
func ArtifactKey(attempt Attempt, ext string) string {
	folder := "restorations"
	if attempt.Kind == AttemptKindAnimation {
		folder = "animations"
	}
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = "bin"
	}
	return path.Join("jobs", attempt.JobID, folder, attempt.ID+"."+ext)
}
