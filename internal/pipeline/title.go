package pipeline

import (
	"regexp"
	"strings"
)

var (
	placeholderTitles = map[string]bool{
		"recording":          true,
		"untitled":           true,
		"untitled recording": true,
		"new recording":      true,
		"audio":              true,
		"meeting":            true,
		"new meeting":        true,
		"voice memo":         true,
	}

	genericNameRe = regexp.MustCompile(`^(new recording|recording|audio|voice memo|voice|memo|meeting|untitled|track)[\s_\-]*\d*(\.[a-z0-9]{2,4})?$`)
	cameraNameRe  = regexp.MustCompile(`^(img|vid|rec|aud|dsc|pxl)[_\-]?\d+$`)
	audioExtRe    = regexp.MustCompile(`\.(mp3|m4a|wav|aac|ogg|oga|opus|webm|flac|caf|mp4)$`)
	longDigitsRe  = regexp.MustCompile(`\d{8,}`)
	hexRunRe      = regexp.MustCompile(`[0-9a-f]{16,}`)
	uuidRe        = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	timestampRe   = regexp.MustCompile(`^[\d\s\-/:._t]+$`)

	// matches sessions.DefaultTitle
	defaultTitleRe = regexp.MustCompile(`^Session \d{4}-\d{2}-\d{2} \d{2}:\d{2}$`)
)

// LooksAutoGenerated reports whether a title was produced by a device, an
// upload client or this service rather than typed by a person. Only such
// titles may be replaced by the model's suggestion.
func LooksAutoGenerated(title string) bool {
	t := strings.TrimSpace(title)
	if t == "" {
		return true
	}
	if defaultTitleRe.MatchString(t) {
		return true
	}

	lower := strings.ToLower(t)
	switch {
	case placeholderTitles[lower]:
		return true
	case genericNameRe.MatchString(lower), cameraNameRe.MatchString(lower):
		return true
	case audioExtRe.MatchString(lower):
		return true
	case longDigitsRe.MatchString(lower):
		return true
	case uuidRe.MatchString(lower), hexRunRe.MatchString(lower):
		return true
	case timestampRe.MatchString(lower) && countDigits(lower) >= 6:
		return true
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
