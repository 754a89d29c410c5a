// Package sessionmatch binds an inbound conversation to a previously
// created upstream session by fingerprinting the messages a caller sends.
package sessionmatch

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Message is the minimal shape sessionmatch needs from an inbound request
// turn. Role distinguishes user-authored turns (fingerprinted) from model
// turns (ignored).
type Message struct {
	Role string
	Text string
}

const maxFingerprintMessages = 5
const fingerprintSeparator = "|||"

// Fingerprint is the (head_hash, tail_hash) pair identifying a
// conversation's identity for matching purposes.
type Fingerprint struct {
	HeadHash string
	TailHash string
}

// Compute derives a Fingerprint from messages. Only user-authored messages
// participate; their text parts are newline-joined per message. head_hash
// covers the first min(5, n) user messages, tail_hash the last min(5, n).
// When there are no user messages, both hashes are derived from a random
// string instead, guaranteeing a miss on lookup.
func Compute(messages []Message) Fingerprint {
	var userTexts []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		userTexts = append(userTexts, m.Text)
	}

	if len(userTexts) == 0 {
		return Fingerprint{
			HeadHash: hashOf(randomString()),
			TailHash: hashOf(randomString()),
		}
	}

	headN := min(maxFingerprintMessages, len(userTexts))
	tailN := min(maxFingerprintMessages, len(userTexts))

	head := strings.Join(userTexts[:headN], fingerprintSeparator)
	tail := strings.Join(userTexts[len(userTexts)-tailN:], fingerprintSeparator)

	return Fingerprint{
		HeadHash: hashOf(head),
		TailHash: hashOf(tail),
	}
}

func hashOf(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomString() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
