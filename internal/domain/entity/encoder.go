package entity

import (
	"fmt"
	"strings"
)

// EncoderPreference names which ffmpeg video encoder family to try first.
type EncoderPreference string

const (
	EncoderAuto         EncoderPreference = "auto"
	EncoderCPU          EncoderPreference = "cpu"
	EncoderNvenc        EncoderPreference = "nvenc"
	EncoderVideotoolbox EncoderPreference = "videotoolbox"
	EncoderQSV          EncoderPreference = "qsv"
	EncoderVAAPI        EncoderPreference = "vaapi"
	EncoderAMF          EncoderPreference = "amf"
)

var encoderPreferences = []EncoderPreference{
	EncoderAuto, EncoderCPU, EncoderNvenc, EncoderVideotoolbox, EncoderQSV, EncoderVAAPI, EncoderAMF,
}

// ParseEncoderPreference normalizes a user-supplied preference string.
// Empty input means auto.
func ParseEncoderPreference(value string) (EncoderPreference, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return EncoderAuto, nil
	}
	for _, pref := range encoderPreferences {
		if string(pref) == normalized {
			return pref, nil
		}
	}
	names := make([]string, len(encoderPreferences))
	for i, pref := range encoderPreferences {
		names[i] = string(pref)
	}
	return "", fmt.Errorf("unknown video encoder preference %q, expected one of: %s",
		value, strings.Join(names, ", "))
}

// EncoderSpec is one row of the static encoder table: the ffmpeg codec name
// plus the invocation args that produce a normalized H.264 stream with it.
type EncoderSpec struct {
	Preference  EncoderPreference
	Codec       string
	Args        []string
	Accelerated bool
}

func (s EncoderSpec) Label() string {
	if s.Accelerated {
		return string(s.Preference) + ":" + s.Codec
	}
	return s.Codec
}
