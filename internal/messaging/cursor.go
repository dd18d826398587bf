package messaging

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errMalformedCursor = errors.New("malformed cursor")

// position is a keyset location: a millisecond timestamp plus the row id breaking ties.
type position struct {
	AtMs int64
	ID   string
}

// headPosition sorts before every stored row in a descending scan.
var headPosition = position{AtMs: math.MaxInt64}

func encodeCursor(p position) string {
	raw := strconv.FormatInt(p.AtMs, 10) + "|" + p.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return position{}, fmt.Errorf("%w: %v", errMalformedCursor, err)
	}
	atPart, idPart, found := strings.Cut(string(raw), "|")
	if !found {
		return position{}, errMalformedCursor
	}
	atMs, err := strconv.ParseInt(atPart, 10, 64)
	if err != nil {
		return position{}, fmt.Errorf("%w: %v", errMalformedCursor, err)
	}
	return position{AtMs: atMs, ID: idPart}, nil
}

// decodeOptionalCursor treats nil and blank tokens as "start from the newest row".
func decodeOptionalCursor(token *string) (*position, error) {
	if token == nil || strings.TrimSpace(*token) == "" {
		return nil, nil
	}
	p, err := decodeCursor(*token)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
