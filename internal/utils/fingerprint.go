package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FingerprintInputs are the fields hashed to detect duplicate submissions.
// Two submissions within one survey with equal fingerprints describe the
// same logical interview.
type FingerprintInputs struct {
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
	Answers         map[string]string
	Location        string
}

// Fingerprint computes the deterministic content hash over an interview's
// timing, answers and location. Answers are serialized in sorted key order
// so map iteration order can never change the hash.
func Fingerprint(in FingerprintInputs) string {
	keys := make([]string, 0, len(in.Answers))
	for k := range in.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%d|", in.StartedAt.UTC().Unix(), in.EndedAt.UTC().Unix(), in.DurationSeconds)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, in.Answers[k])
	}
	fmt.Fprintf(&b, "|%s", in.Location)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Checksum computes the payload checksum the client stores before upload and
// the server echoes back during verification. It covers the same canonical
// serialization as the fingerprint plus the survey id, so the client-side
// confirm-before-delete compares like for like.
func Checksum(surveyID string, in FingerprintInputs) string {
	sum := sha256.Sum256([]byte(surveyID + "|" + Fingerprint(in)))
	return hex.EncodeToString(sum[:])
}
