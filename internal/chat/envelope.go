package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Envelope converts message content to and from its stored form.
// Implementations may call out to the key-derivation service, so both
// methods can block.
type Envelope interface {
	Seal(ctx context.Context, messageID uint64, plaintext string) (string, error)
	Open(ctx context.Context, messageID uint64, sealed string) (string, error)
}

// TaggedEnvelope stores base64("[VET_ENCRYPTED:<id>]" + plaintext). It is a
// reversible encoding and provides no confidentiality.
//
// Open also reads records written before the tag existed: untagged base64
// decodes as-is and anything that is not base64 is returned unchanged.
type TaggedEnvelope struct{}

func envelopeTag(messageID uint64) string {
	return fmt.Sprintf("[VET_ENCRYPTED:%d]", messageID)
}

func (TaggedEnvelope) Seal(ctx context.Context, messageID uint64, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(envelopeTag(messageID) + plaintext)), nil
}

func (TaggedEnvelope) Open(ctx context.Context, messageID uint64, sealed string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	decoded, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return sealed, nil
	}
	if !utf8.Valid(decoded) {
		return "", errors.New("invalid UTF-8 in decoded content")
	}

	return strings.TrimPrefix(string(decoded), envelopeTag(messageID)), nil
}
