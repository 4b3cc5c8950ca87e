package loopback

import (
	"strings"
	"sync"
)

const (
	// UserIDParam is the callback query key carrying the signed-in user identifier.
	UserIDParam = "user_id"
	// AccessTokenParam is the callback query key carrying the access token.
	AccessTokenParam = "access_token"
)

// Tokens is an immutable copy of the values captured from the browser redirect.
type Tokens struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// TokenState collects callback values for one sign-in session.
type TokenState struct {
	mutex          sync.Mutex
	userID         string
	hasUserID      bool
	accessToken    string
	hasAccessToken bool
}

// NewTokenState returns an empty state with neither field present.
func NewTokenState() *TokenState {
	return &TokenState{}
}

// Record stores value under key when key is one of the recognized callback parameters.
func (state *TokenState) Record(key string, value string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.recordLocked(key, value)
}

// Apply records every recognized pair and reports how many were stored and whether the state is now complete.
func (state *TokenState) Apply(pairs []QueryPair) (int, Tokens, bool) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	recognized := 0
	for _, pair := range pairs {
		if state.recordLocked(pair.Key, pair.Value) {
			recognized++
		}
	}
	snapshot, complete := state.snapshotLocked()
	return recognized, snapshot, complete
}

// Snapshot returns the current values and whether both are present.
func (state *TokenState) Snapshot() (Tokens, bool) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.snapshotLocked()
}

func (state *TokenState) recordLocked(key string, value string) bool {
	switch key {
	case UserIDParam:
		state.userID = value
		state.hasUserID = true
	case AccessTokenParam:
		state.accessToken = value
		state.hasAccessToken = true
	default:
		return false
	}
	return true
}

func (state *TokenState) snapshotLocked() (Tokens, bool) {
	return Tokens{UserID: state.userID, AccessToken: state.accessToken}, state.hasUserID && state.hasAccessToken
}

// QueryPair is one well-formed key=value element of a callback query string.
type QueryPair struct {
	Key   string
	Value string
}

// ParseCallbackQuery splits a raw query on '&' and keeps only pairs with exactly one '='
// separating a non-empty key from its value. Keys and values are kept exactly as they
// appear on the wire; '+' and '%' sequences are not decoded.
func ParseCallbackQuery(rawQuery string) []QueryPair {
	if rawQuery == "" {
		return nil
	}
	segments := strings.Split(rawQuery, "&")
	pairs := make([]QueryPair, 0, len(segments))
	for _, segment := range segments {
		parts := strings.Split(segment, "=")
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		pairs = append(pairs, QueryPair{Key: parts[0], Value: parts[1]})
	}
	return pairs
}
