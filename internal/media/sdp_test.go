package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

// answerFor negotiates between two local peer connections and returns the
// answer SDP for a send-only transceiver of kind.
func answerFor(t *testing.T, kind webrtc.RTPCodecType) string {
	t.Helper()
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create offerer: %v", err)
	}
	defer offerer.Close()
	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create answerer: %v", err)
	}
	defer answerer.Close()

	if _, err := offerer.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		t.Fatalf("Failed to add transceiver: %v", err)
	}
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription failed: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	return answer.SDP
}

func TestValidateAnswer(t *testing.T) {
	if err := ValidateAnswer(answerFor(t, webrtc.RTPCodecTypeVideo)); err != nil {
		t.Fatalf("Real video answer rejected: %v", err)
	}

	testCases := []struct {
		name  string
		sdp   string
		field string
	}{
		{"Garbage", "not an sdp", "SessionDescription"},
		{"No media", "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", "Media"},
		{"Missing ICE credentials",
			"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=fingerprint:sha-256 AA:BB\r\n",
			"ICE"},
		{"Missing fingerprint",
			"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=ice-ufrag:abcd\r\n",
			"DTLS"},
		{"Audio only", answerFor(t, webrtc.RTPCodecTypeAudio), "Media"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAnswer(tc.sdp)
			var ve *SDPValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected SDPValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("Expected field %s, got %s (%v)", tc.field, ve.Field, err)
			}
		})
	}
}
