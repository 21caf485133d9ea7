// Package stomp implements a STOMP 1.1/1.2 client session over a websocket,
// framing with github.com/go-stomp/stomp/v3/frame.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// heartbeatFrame is the single end-of-line a peer sends to keep a connection alive.
var heartbeatFrame = []byte("\n")

// Encode serializes f into one websocket message.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses every frame contained in one websocket message.
// Heart-beats produce no frames.
func Decode(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decode frame: %w", err)
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}

// formatHeartBeat renders the heart-beat header value "cx,cy" in milliseconds.
func formatHeartBeat(outgoing, incoming time.Duration) string {
	return strconv.FormatInt(outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(incoming.Milliseconds(), 10)
}

// parseHeartBeat reads a heart-beat header value "sx,sy". An empty value means "0,0".
func parseHeartBeat(v string) (sx, sy time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", v)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || x < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", v)
	}
	y, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || y < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", v)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// negotiateHeartBeat applies the STOMP rule: a direction is active only when
// both sides want it, at the slower of the two intervals.
func negotiateHeartBeat(clientOut, clientIn, serverOut, serverIn time.Duration) (out, in time.Duration) {
	if clientOut > 0 && serverIn > 0 {
		out = max(clientOut, serverIn)
	}
	if clientIn > 0 && serverOut > 0 {
		in = max(clientIn, serverOut)
	}
	return out, in
}
