package hrana

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// batonKey is a process-wide random secret used to authenticate batons so
// a client cannot forge or tamper with one. Generated once at process
// startup — see NewBatonKey.
type batonKey [32]byte

// NewBatonKey generates a fresh random baton key, called once when the
// Hrana server starts.
func NewBatonKey() (batonKey, error) {
	var k batonKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("hrana: generate baton key: %w", err)
	}
	return k, nil
}

// mintBaton encodes (streamID, seq) plus an HMAC of both under key into the
// opaque token handed back to the client.
func mintBaton(key batonKey, streamID string, seq uint64) string {
	mac := macFor(key, streamID, seq)
	raw := fmt.Sprintf("%s.%d.%s", streamID, seq, base64.RawURLEncoding.EncodeToString(mac))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// parsedBaton is a baton's fields after successful decoding and MAC
// verification.
type parsedBaton struct {
	streamID string
	seq      uint64
}

// parseBaton decodes and authenticates a baton, returning errBatonInvalid
// if it is malformed or its MAC does not verify.
func parseBaton(key batonKey, baton string) (parsedBaton, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(baton)
	if err != nil {
		return parsedBaton{}, errBatonInvalid
	}
	parts := strings.SplitN(string(decoded), ".", 3)
	if len(parts) != 3 {
		return parsedBaton{}, errBatonInvalid
	}
	streamID := parts[0]
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return parsedBaton{}, errBatonInvalid
	}
	givenMAC, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return parsedBaton{}, errBatonInvalid
	}

	wantMAC := macFor(key, streamID, seq)
	if subtle.ConstantTimeCompare(givenMAC, wantMAC) != 1 {
		return parsedBaton{}, errBatonInvalid
	}
	return parsedBaton{streamID: streamID, seq: seq}, nil
}

func macFor(key batonKey, streamID string, seq uint64) []byte {
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte(streamID))
	h.Write([]byte{'.'})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	return h.Sum(nil)
}
