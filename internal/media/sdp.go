package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// SDPValidationError describes why a remote description was rejected.
type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("invalid SDP %s: %s", e.Field, e.Message)
}

// ValidateAnswer checks that an answer can carry our video: it parses, has
// a video section and carries ICE credentials and a DTLS fingerprint at
// session or media level.
func ValidateAnswer(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return &SDPValidationError{Field: "SessionDescription", Message: err.Error()}
	}
	if len(parsed.MediaDescriptions) == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}

	_, sessionUfrag := parsed.Attribute("ice-ufrag")
	_, sessionFingerprint := parsed.Attribute("fingerprint")

	hasVideo := false
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		hasVideo = true
		if _, ok := md.Attribute("ice-ufrag"); !ok && !sessionUfrag {
			return &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
		}
		if _, ok := md.Attribute("fingerprint"); !ok && !sessionFingerprint {
			return &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
		}
	}
	if !hasVideo {
		return &SDPValidationError{Field: "Media", Message: "no video section found"}
	}
	return nil
}
