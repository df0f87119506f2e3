// Package restore answers "where was the reader" for a freshly loaded list.
//
// Resolution tries an exact anchor id match, then a temporally nearby post
// (using the anchor's timestamp from position history), then a configured
// fallback. Every resolution is recorded in a bounded history that can be
// mirrored to other devices.
package restore

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownStrategy is returned when parsing an unrecognized fallback strategy.
var ErrUnknownStrategy = errors.New("unknown fallback strategy")

// Method records how a position was resolved.
type Method string

const (
	MethodExactMatch        Method = "exact_match"
	MethodTemporalProximity Method = "temporal_proximity"
	MethodContentSimilarity Method = "content_similarity"
	MethodFallback          Method = "fallback"
	MethodManual            Method = "manual"
)

// FallbackStrategy is the configured policy applied when no anchor matches.
type FallbackStrategy string

const (
	NearestContent  FallbackStrategy = "nearest_content"
	TopOfTimeline   FallbackStrategy = "top_of_timeline"
	LastKnownOffset FallbackStrategy = "last_known_offset"
	NewestPost      FallbackStrategy = "newest_post"
	OldestPost      FallbackStrategy = "oldest_post"
)

// ParseStrategy converts a config string to a FallbackStrategy.
func ParseStrategy(s string) (FallbackStrategy, error) {
	switch f := FallbackStrategy(s); f {
	case NearestContent, TopOfTimeline, LastKnownOffset, NewestPost, OldestPost:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Snapshot is one persisted position record.
type Snapshot struct {
	AnchorID   string           `json:"anchor_id" msgpack:"anchor_id"`
	AnchorTime time.Time        `json:"anchor_time" msgpack:"anchor_time"` // anchor post's creation time
	Timestamp  time.Time        `json:"timestamp" msgpack:"timestamp"`     // when recorded; last write wins
	Index      int              `json:"index" msgpack:"index"`
	Offset     float64          `json:"offset" msgpack:"offset"`
	Method     Method           `json:"method" msgpack:"method"`
	Strategy   FallbackStrategy `json:"strategy,omitempty" msgpack:"strategy,omitempty"`
	DeviceID   string           `json:"device_id,omitempty" msgpack:"device_id,omitempty"`
}

// Result is the outcome of a resolution.
type Result struct {
	Index  int
	Offset float64
	Method Method
}
