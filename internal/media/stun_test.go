package media

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func TestNormalizeSTUNURI(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"stun://stun.l.google.com:19302", "stun:stun.l.google.com:19302"},
		{"stun:stun.l.google.com:19302", "stun:stun.l.google.com:19302"},
		{"turn:turn.example.com:3478", "turn:turn.example.com:3478"},
		{"", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			if got := NormalizeSTUNURI(tc.in); got != tc.want {
				t.Fatalf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}

// startSTUNServer answers binding requests with the sender's address.
func startSTUNServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udpAddr := addr.(*net.UDPAddr)
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(resp.Raw, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestProbeSTUN(t *testing.T) {
	addr := startSTUNServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mapped, err := ProbeSTUN(ctx, "stun://"+addr)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !strings.HasPrefix(mapped, "127.0.0.1:") {
		t.Fatalf("Unexpected mapped address %q", mapped)
	}
}

func TestProbeSTUNRejectsOtherSchemes(t *testing.T) {
	if _, err := ProbeSTUN(context.Background(), "turn:127.0.0.1:3478"); err == nil {
		t.Fatal("Expected error for non-STUN URI")
	}
}

func TestProbeSTUNHonoursContext(t *testing.T) {
	// nothing answers on this socket
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := ProbeSTUN(ctx, "stun:"+conn.LocalAddr().String()); err == nil {
		t.Fatal("Expected probe to fail")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Probe ignored the context deadline")
	}
}
