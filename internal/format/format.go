// Package format enumerates the supported audio output formats and the
// streaming compatibility rules between input and output container types.
package format

import (
	"regexp"
	"sort"
	"strings"
)

// Descriptor describes one supported output format.
type Descriptor struct {
	// Ext is the file extension without the leading dot.
	Ext string
	// MIMEType is the content type used for uploads and downloads.
	MIMEType string
}

var descriptors = map[string]Descriptor{
	"mp3":  {Ext: "mp3", MIMEType: "audio/mpeg"},
	"wav":  {Ext: "wav", MIMEType: "audio/wav"},
	"aac":  {Ext: "aac", MIMEType: "audio/aac"},
	"ogg":  {Ext: "ogg", MIMEType: "audio/ogg"},
	"flac": {Ext: "flac", MIMEType: "audio/flac"},
	"m4a":  {Ext: "m4a", MIMEType: "audio/mp4"},
}

// Lookup returns the descriptor for an extension, case-insensitively.
func Lookup(ext string) (Descriptor, bool) {
	d, ok := descriptors[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return d, ok
}

// IsSupported reports whether ext names a supported output format.
func IsSupported(ext string) bool {
	_, ok := Lookup(ext)
	return ok
}

// Supported returns the supported extensions in sorted order.
func Supported() []string {
	out := make([]string, 0, len(descriptors))
	for ext := range descriptors {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// MIMETypeFor returns the content type for ext, or application/octet-stream
// when the extension is unknown.
func MIMETypeFor(ext string) string {
	if d, ok := Lookup(ext); ok {
		return d.MIMEType
	}
	return "application/octet-stream"
}

var qualityPattern = regexp.MustCompile(`(?i)^\d+k?$`)

// ValidQuality reports whether q is an acceptable bitrate value such as
// "192k" or "320".
func ValidQuality(q string) bool {
	return qualityPattern.MatchString(q)
}

// Compatibility is the verdict of the streaming gate for one (in, out) pair.
type Compatibility struct {
	StreamingSupported  bool
	FallbackRecommended bool
	Reason              string
}

// CompatibilityTable decides, per (input ext, output ext) pair, whether the
// streaming pipeline may be used or the buffered fallback should run. The
// membership is tunable data, not contract.
type CompatibilityTable struct {
	fallbackPairs map[string]string
}

// DefaultCompatibility returns the table used in production. Container
// formats whose muxers need seekable output cannot be written to a pipe, so
// those targets are forced through the buffered path.
func DefaultCompatibility() *CompatibilityTable {
	return &CompatibilityTable{
		fallbackPairs: map[string]string{
			"m4a->m4a":  "mp4 muxer requires seekable output",
			"aac->m4a":  "mp4 muxer requires seekable output",
			"mp3->m4a":  "mp4 muxer requires seekable output",
			"wav->m4a":  "mp4 muxer requires seekable output",
			"ogg->m4a":  "mp4 muxer requires seekable output",
			"flac->m4a": "mp4 muxer requires seekable output",
			"m4a->flac": "m4a demux from a pipe is unreliable for flac targets",
			"m4a->ogg":  "m4a demux from a pipe is unreliable for ogg targets",
		},
	}
}

// Check returns the streaming verdict for the given extension pair.
func (t *CompatibilityTable) Check(inputExt, outputExt string) Compatibility {
	key := strings.ToLower(inputExt) + "->" + strings.ToLower(outputExt)
	if reason, ok := t.fallbackPairs[key]; ok {
		return Compatibility{
			StreamingSupported:  false,
			FallbackRecommended: true,
			Reason:              reason,
		}
	}
	return Compatibility{StreamingSupported: true}
}
