package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
)

// NormalizeSTUNURI converts the GStreamer form stun://host:port to the
// RFC 7064 form stun:host:port understood by pion. Other values pass through.
func NormalizeSTUNURI(uri string) string {
	if rest, ok := strings.CutPrefix(uri, "stun://"); ok {
		return "stun:" + rest
	}
	return uri
}

// ProbeSTUN sends one binding request to the STUN server and returns the
// server-reflexive address it reports.
func ProbeSTUN(ctx context.Context, uri string) (string, error) {
	addr, ok := strings.CutPrefix(NormalizeSTUNURI(uri), "stun:")
	if !ok {
		return "", fmt.Errorf("not a STUN URI: %q", uri)
	}

	c, err := stun.Dial("udp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to STUN server %s: %w", addr, err)
	}
	defer c.Close()

	type result struct {
		mapped string
		err    error
	}
	done := make(chan result, 1)

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		var res result
		err := c.Do(message, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				res.err = fmt.Errorf("failed to get address from STUN response: %w", err)
				return
			}
			res.mapped = xorAddr.String()
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.mapped, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
