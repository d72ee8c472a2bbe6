// Package ids derives the content-addressed identifiers used for projects,
// HITs, HIT instances and journeys.
//
// Every id is SHA-256 over the concatenation of its inputs, so re-importing
// the same project file recomputes the same ids and updates rows in place.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// completionCodeLen is the number of hex characters exposed to subjects.
const completionCodeLen = 12

// Derive concatenates parts as strings and returns the raw SHA-256 digest.
func Derive(parts ...string) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return h.Sum(nil)
}

// ProjectHashstr is the hash input of a project; HIT hash strings extend it.
// The secret prevents enumerating projects from their public ids.
func ProjectHashstr(localID, secret string) string {
	return localID + secret
}

func ProjectID(localID, secret string) []byte {
	return Derive(ProjectHashstr(localID, secret))
}

func HITHashstr(projectHashstr, localID string) string {
	return projectHashstr + localID
}

func HITID(projectHashstr, localID string) []byte {
	return Derive(HITHashstr(projectHashstr, localID))
}

// InstanceID is the id of the index-th instance of a HIT.
func InstanceID(hitHashstr string, index int) []byte {
	return Derive(hitHashstr, "_", strconv.Itoa(index))
}

// PreviewID is the unguessable id used to open an instance without being
// able to submit it.
func PreviewID(instanceID []byte) []byte {
	h := sha256.New()
	h.Write(instanceID)
	h.Write([]byte("preview"))
	return h.Sum(nil)
}

func JourneyID(instanceID []byte, index int) []byte {
	return Derive(Hex(instanceID), "_journey", strconv.Itoa(index))
}

// CompletionCode proves a subject finished an instance. It cannot be
// computed without the server secret.
func CompletionCode(instanceID []byte, secret string) string {
	return Hex(Derive(Hex(instanceID), secret))[:completionCodeLen]
}

func Hex(id []byte) string {
	return hex.EncodeToString(id)
}

// ParseHex decodes a hex id and checks it has digest length.
func ParseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", s, err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("parse id %q: want %d bytes, got %d", s, sha256.Size, len(b))
	}
	return b, nil
}
