package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Tutortoise/object-detection-service/models"
)

const (
	MsgNoObjects = "No objects detected."

	MsgModelLoading = "The model is still loading. Try again in a moment."

	MsgStreamFrameError = "Frame could not be processed."
)

// detectionSummary describes what was found, most frequent label first.
func detectionSummary(dets []models.Detection) string {
	if len(dets) == 0 {
		return MsgNoObjects
	}

	counts := make(map[string]int)
	for _, d := range dets {
		counts[d.ClassLabel]++
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%d %s", counts[l], l)
	}

	noun := "objects"
	if len(dets) == 1 {
		noun = "object"
	}
	return fmt.Sprintf("Detected %d %s: %s", len(dets), noun, strings.Join(parts, ", "))
}
