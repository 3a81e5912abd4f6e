package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrFraming reports a line that held more than one JSON object. The framing
// is one object per line; a violation means the peer cannot be trusted and
// the provider is torn down as unreachable.
var ErrFraming = errors.New("protocol framing violation")

// Transport moves envelopes between the supervisor and one provider process.
// Inbound envelopes and process exit are delivered through the handler
// installed at Start; Send must preserve the byte order of the messages it
// was given.
type Transport interface {
	// Start launches the underlying process or connection. The handler
	// receives every inbound envelope; onExit fires exactly once when the
	// transport dies, with the terminal error if any.
	Start(ctx context.Context, handler func(*Envelope), onExit func(error)) error

	// Send writes one envelope as a single newline-terminated JSON line.
	Send(env *Envelope) error

	// Stop asks the process to terminate, force-killing after grace.
	Stop(grace time.Duration)
}

// readMessages consumes line-delimited JSON from r and emits each complete
// envelope. Partial lines stay buffered until their newline arrives, so a
// chunk boundary in the middle of an object never produces a parse error.
// Lines that are not JSON at all are reported through skip and never stall
// the reader; a line carrying two concatenated JSON objects violates the
// framing and returns ErrFraming. Returns nil on EOF.
func readMessages(r io.Reader, emit func(*Envelope), skip func(line string)) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			// Tolerate \r\n framing and ignore blank keepalive lines.
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				if frameErr := parseLine(line, emit, skip); frameErr != nil {
					return frameErr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// parseLine decodes one framed line. Exactly one JSON object is permitted
// per line.
func parseLine(line []byte, emit func(*Envelope), skip func(line string)) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	var env Envelope
	if err := dec.Decode(&env); err != nil || env.JSONRPC == "" {
		if skip != nil {
			skip(string(line))
		}
		return nil
	}
	if dec.More() {
		return fmt.Errorf("%w: multiple objects on one line", ErrFraming)
	}
	emit(&env)
	return nil
}
