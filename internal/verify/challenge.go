package verify

import (
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/alexjbarnes/authlink/internal/random"
)

// Kind names the strategy a challenge was issued with.
type Kind string

const (
	KindMessage Kind = "message"
	KindProfile Kind = "profile"
)

// Status is the state of a messaging challenge.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
	StatusDenied   Status = "denied"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusFailed, StatusDenied:
		return true
	}

	return false
}

// CanTransition reports whether a challenge may move from s to next.
// Only pending challenges change, and only to a terminal status.
func (s Status) CanTransition(next Status) bool {
	if s != StatusPending || !next.Valid() {
		return false
	}

	return next != StatusPending
}

const (
	authStringPrefix = "authlink-"
	authStringRandom = 23
	codeLength       = 32
	optionDigits     = 3
	optionCount      = 3
)

// Challenge is what the browser receives after starting verification.
// Kind says which of the two shapes is filled in.
type Challenge struct {
	Kind Kind            `json:"kind"`
	User models.Identity `json:"user"`
	// Code is echoed back on completion. It never leaves the browser
	// that started the flow.
	Code string `json:"code"`

	// Profile: the user posts AuthString as a status title.
	AuthString string `json:"authString,omitempty"`

	// Message: the user reacts to MessageID with the option matching
	// CorrectString.
	MessageID     string   `json:"messageId,omitempty"`
	ServerID      string   `json:"serverId,omitempty"`
	ChannelID     string   `json:"channelId,omitempty"`
	Options       []string `json:"options,omitempty"`
	CorrectString string   `json:"correctString,omitempty"`
}

// profileEntry is stored under verify_code_{userId}.
type profileEntry struct {
	AuthString string `json:"authString"`
	Code       string `json:"code"`
}

// messageEntry is stored under verify_code_short_{messageId}.
type messageEntry struct {
	AuthStrings   []string `json:"authStrings"`
	CorrectString string   `json:"correctString"`
	Code          string   `json:"code"`
	UserID        string   `json:"userId"`
	Status        Status   `json:"status"`
}

func newAuthString() string {
	return authStringPrefix + random.String(authStringRandom)
}

func randomCode() string {
	return random.String(codeLength)
}

// newOptions returns pairwise distinct digit strings, re-rolling any
// collision, and the index of the one chosen as correct.
func newOptions() ([optionCount]string, int) {
	var opts [optionCount]string

	seen := make(map[string]bool, optionCount)
	for i := range opts {
		for {
			s := random.Digits(optionDigits)
			if !seen[s] {
				seen[s] = true
				opts[i] = s

				break
			}
		}
	}

	return opts, random.Intn(optionCount)
}
