package validate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Verdict is a scanner's decision on one payload.
type Verdict struct {
	Clean     bool
	Signature string
}

type Scanner interface {
	Name() string
	Scan(ctx context.Context, data []byte) (Verdict, error)
}

// eicarSignature is the distinctive part of the EICAR test string.
const eicarSignature = "EICAR-STANDARD-ANTIVIRUS-TEST-FILE"

// SignatureScanner flags payloads containing any known byte pattern.
type SignatureScanner struct {
	patterns map[string][]byte
}

// NewSignatureScanner always includes the EICAR test signature.
func NewSignatureScanner(patterns map[string]string) *SignatureScanner {
	s := &SignatureScanner{patterns: map[string][]byte{"Eicar-Test-Signature": []byte(eicarSignature)}}
	for name, p := range patterns {
		if p == "" {
			continue
		}
		s.patterns[name] = []byte(p)
	}
	return s
}

func (s *SignatureScanner) Name() string { return "signature" }

func (s *SignatureScanner) Scan(_ context.Context, data []byte) (Verdict, error) {
	for name, p := range s.patterns {
		if bytes.Contains(data, p) {
			return Verdict{Signature: name}, nil
		}
	}
	return Verdict{Clean: true}, nil
}

// ClamdScanner streams payloads to a clamd daemon with the INSTREAM command.
type ClamdScanner struct {
	network   string
	address   string
	timeout   time.Duration
	chunkSize int
}

// NewClamdScanner accepts "tcp://host:port", "unix:///path" or a bare host:port.
func NewClamdScanner(addr string, timeout time.Duration) (*ClamdScanner, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("clamd address required")
	}
	network, address := "tcp", addr
	switch {
	case strings.HasPrefix(addr, "unix://"):
		network, address = "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "tcp://"):
		address = strings.TrimPrefix(addr, "tcp://")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClamdScanner{network: network, address: address, timeout: timeout, chunkSize: 64 << 10}, nil
}

func (c *ClamdScanner) Name() string { return "clamd" }

func (c *ClamdScanner) Scan(ctx context.Context, data []byte) (Verdict, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return Verdict{}, fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return Verdict{}, err
	}
	var size [4]byte
	for off := 0; off < len(data); off += c.chunkSize {
		end := off + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		binary.BigEndian.PutUint32(size[:], uint32(end-off))
		if _, err := w.Write(size[:]); err != nil {
			return Verdict{}, err
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return Verdict{}, err
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return Verdict{}, err
	}
	if err := w.Flush(); err != nil {
		return Verdict{}, fmt.Errorf("write clamd stream: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && reply == "" {
		return Verdict{}, fmt.Errorf("read clamd reply: %w", err)
	}
	return parseClamdReply(strings.TrimRight(reply, "\x00\n"))
}

// parseClamdReply handles "stream: OK", "stream: <name> FOUND" and "... ERROR".
func parseClamdReply(reply string) (Verdict, error) {
	body := strings.TrimSpace(reply)
	if i := strings.Index(body, ":"); i >= 0 {
		body = strings.TrimSpace(body[i+1:])
	}
	switch {
	case body == "OK":
		return Verdict{Clean: true}, nil
	case strings.HasSuffix(body, " FOUND"):
		return Verdict{Signature: strings.TrimSuffix(body, " FOUND")}, nil
	default:
		return Verdict{}, fmt.Errorf("clamd: %s", reply)
	}
}
