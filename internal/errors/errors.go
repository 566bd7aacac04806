package errors

import "errors"

// Kind groups failures by how callers should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound covers absent or expired challenges, codes and records.
	// Always terminal; the user restarts the flow.
	KindNotFound
	// KindMismatch signals possible tampering. Logged distinctly and
	// reported without saying which field differed.
	KindMismatch
	// KindInvalid is malformed, user-correctable input.
	KindInvalid
	// KindUpstream means the identity or messaging provider failed. Safe
	// to retry the whole flow from the beginning.
	KindUpstream
	// KindUnauthorized is a client authentication failure.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindMismatch:
		return "mismatch"
	case KindInvalid:
		return "invalid"
	case KindUpstream:
		return "upstream_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Verification errors.
var (
	ErrChallengeNotFound    = errors.New("challenge not found or expired")
	ErrCodeMismatch         = errors.New("challenge code mismatch")
	ErrPostNotFound         = errors.New("post not found")
	ErrTitleMismatch        = errors.New("post title does not match")
	ErrIdentityLookupFailed = errors.New("identity lookup failed")
	ErrNotVerified          = errors.New("challenge not verified")
	ErrInvalidTransition    = errors.New("invalid challenge status transition")
)

// Authorization errors.
var (
	ErrClientNotFound     = errors.New("client not found")
	ErrNoRedirectURI      = errors.New("no redirect uri")
	ErrInvalidRedirectURI = errors.New("invalid redirect uri")
	ErrNoScopes           = errors.New("no scopes")
	ErrInvalidScope       = errors.New("invalid scope")
	ErrInvalidVanityCode  = errors.New("invalid vanity code")
)

// Token errors.
var (
	ErrInvalidGrant         = errors.New("invalid grant")
	ErrInvalidClient        = errors.New("invalid client")
	ErrUnsupportedGrantType = errors.New("unsupported grant type")
	ErrInvalidToken         = errors.New("invalid or expired token")
)

// Server/transport errors.
var (
	ErrUpstreamUnavailable = errors.New("upstream platform unavailable")
	ErrAPIResponse         = errors.New("unexpected API response")
)

var kinds = map[error]Kind{
	ErrChallengeNotFound:    KindNotFound,
	ErrPostNotFound:         KindNotFound,
	ErrClientNotFound:       KindNotFound,
	ErrInvalidGrant:         KindNotFound,
	ErrInvalidToken:         KindNotFound,
	ErrCodeMismatch:         KindMismatch,
	ErrTitleMismatch:        KindMismatch,
	ErrNotVerified:          KindInvalid,
	ErrInvalidTransition:    KindInvalid,
	ErrNoRedirectURI:        KindInvalid,
	ErrInvalidRedirectURI:   KindInvalid,
	ErrNoScopes:             KindInvalid,
	ErrInvalidScope:         KindInvalid,
	ErrInvalidVanityCode:    KindInvalid,
	ErrUnsupportedGrantType: KindInvalid,
	ErrIdentityLookupFailed: KindUpstream,
	ErrUpstreamUnavailable:  KindUpstream,
	ErrAPIResponse:          KindUpstream,
	ErrInvalidClient:        KindUnauthorized,
}

// KindOf classifies err by the first sentinel found in its chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	return KindUnknown
}
