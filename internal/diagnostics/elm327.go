package diagnostics

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const prompt = '>'

var initSequence = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

// session is one open conversation with an ELM327 adapter. A session whose
// exchange was abandoned is unusable and must be discarded.
type session struct {
	port   io.ReadWriteCloser
	r      *bufio.Reader
	path   string
	broken bool
}

func newSession(port io.ReadWriteCloser, path string) *session {
	return &session{port: port, r: bufio.NewReader(port), path: path}
}

// exec sends cmd and returns the response lines. When ctx ends first the
// port is closed so the pending read cannot outlive the caller.
func (s *session) exec(ctx context.Context, cmd string) ([]string, error) {
	if s.broken {
		return nil, fmt.Errorf("session on %s is closed", s.path)
	}

	type result struct {
		lines []string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		lines, err := s.roundTrip(cmd)
		ch <- result{lines, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			s.broken = true
		}
		return res.lines, res.err
	case <-ctx.Done():
		s.close()
		return nil, ctx.Err()
	}
}

func (s *session) roundTrip(cmd string) ([]string, error) {
	if _, err := io.WriteString(s.port, cmd+"\r"); err != nil {
		return nil, fmt.Errorf("write %s: %w", cmd, err)
	}
	raw, err := s.r.ReadString(prompt)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cmd, err)
	}
	return splitResponse(raw, cmd), nil
}

func (s *session) close() {
	s.broken = true
	_ = s.port.Close()
}

// initialize resets the adapter and turns off echo, linefeeds, spaces and
// headers so responses are bare hex.
func (s *session) initialize(ctx context.Context) error {
	for _, cmd := range initSequence {
		lines, err := s.exec(ctx, cmd)
		if err != nil {
			return err
		}
		if cmd == "ATZ" {
			if len(lines) == 0 {
				return fmt.Errorf("no reply to ATZ on %s", s.path)
			}
			continue
		}
		if !containsLine(lines, "OK") {
			return fmt.Errorf("unexpected reply to %s on %s: %q", cmd, s.path, strings.Join(lines, " "))
		}
	}
	return nil
}

// supportedPIDs walks the 0100/0120/0140 bitmaps. It returns nil when the
// ECU does not answer, meaning support is unknown.
func (s *session) supportedPIDs(ctx context.Context) (map[byte]bool, error) {
	var supported map[byte]bool

	for _, base := range []byte{0x00, 0x20, 0x40} {
		lines, err := s.exec(ctx, fmt.Sprintf("01%02X", base))
		if err != nil {
			return nil, err
		}
		data, ok := findData(lines, base, 4)
		if !ok {
			break
		}
		if supported == nil {
			supported = map[byte]bool{}
		}
		for i := 0; i < 32; i++ {
			if data[i/8]&(0x80>>(uint(i)%8)) != 0 {
				supported[base+byte(i)+1] = true
			}
		}
		if !supported[base+0x20] {
			break
		}
	}

	return supported, nil
}

// splitResponse drops the prompt, echo and progress lines.
func splitResponse(raw, cmd string) []string {
	raw = strings.TrimSuffix(raw, string(prompt))
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
		case strings.EqualFold(f, cmd):
		case strings.HasPrefix(strings.ToUpper(f), "SEARCHING"):
		default:
			lines = append(lines, f)
		}
	}
	return lines
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if strings.Contains(strings.ToUpper(l), want) {
			return true
		}
	}
	return false
}

// noData reports whether the adapter answered but the vehicle did not.
func noData(lines []string) bool {
	for _, l := range lines {
		u := strings.ToUpper(l)
		if strings.Contains(u, "NO DATA") || strings.Contains(u, "UNABLE TO CONNECT") ||
			strings.Contains(u, "STOPPED") {
			return true
		}
	}
	return false
}

// findData returns the n data bytes of the first mode 01 reply for pid.
func findData(lines []string, pid byte, n int) ([]byte, bool) {
	prefix := fmt.Sprintf("41%02X", pid)
	for _, l := range lines {
		hexStr := strings.ToUpper(strings.ReplaceAll(l, " ", ""))
		if !strings.HasPrefix(hexStr, prefix) {
			continue
		}
		b, err := hex.DecodeString(hexStr[len(prefix):])
		if err != nil || len(b) < n {
			continue
		}
		return b[:n], true
	}
	return nil, false
}
