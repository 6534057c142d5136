package wsclient

import (
	"crypto/sha1"
	"encoding/base64"
	"hash"
	"io"
	"strings"
	"sync"
)

var shaPool = sync.Pool{
	New: func() interface{} {
		return sha1.New()
	},
}

// ComputeAcceptKey returns base64(SHA1(key + GUID)), the value a server
// must answer in Sec-WebSocket-Accept.
func ComputeAcceptKey(challengeKey []byte) []byte {
	h := shaPool.Get().(hash.Hash)
	defer shaPool.Put(h)
	h.Reset()
	h.Write(challengeKey)
	h.Write(websocketGUID)
	return []byte(base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

// newChallengeKey returns a base64 encoded 16 byte nonce.
func newChallengeKey(rng io.Reader) ([]byte, error) {
	var nonce [16]byte
	if _, err := io.ReadFull(rng, nonce[:]); err != nil {
		return nil, err
	}
	key := make([]byte, base64.StdEncoding.EncodedLen(len(nonce)))
	base64.StdEncoding.Encode(key, nonce[:])
	return key, nil
}

// IsValidChallengeKey reports whether s is a base64 encoded 16 byte nonce.
func IsValidChallengeKey(s []byte) bool {
	if len(s) == 0 {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(s))
	return err == nil && len(decoded) == 16
}

// headerContainsToken reports whether a comma separated header value
// contains token, compared case-insensitively.
func headerContainsToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
