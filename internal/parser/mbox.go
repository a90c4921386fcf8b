package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"

	"github.com/shineum/mailbuilder/internal/email"
)

// mboxFromLine starts every message of an mbox archive.
var mboxFromLine = []byte("From ")

// IsMbox reports whether raw looks like an mbox archive rather than a
// single message.
func IsMbox(raw []byte) bool {
	return bytes.HasPrefix(raw, mboxFromLine)
}

// ParseMbox parses every message of an mbox archive in order. Parsing
// stops at the first malformed message.
func ParseMbox(r io.Reader) ([]*email.Message, error) {
	reader := mbox.NewReader(bufio.NewReader(r))

	var out []*email.Message
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}
		out = append(out, msg)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("mbox archive contains no messages")
	}
	return out, nil
}
