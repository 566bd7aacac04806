// Package verify proves that a browser is operated by the owner of an
// upstream account, either by having them post a random string on their
// profile or by having them react to a bot message with the right
// number.
package verify

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authlink/internal/cache"
	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/guilded"
	"github.com/alexjbarnes/authlink/internal/models"
)

//go:generate mockgen -source=engine.go -destination=mock_upstream_test.go -package=verify

const (
	// ChallengeTTL bounds both challenge variants.
	ChallengeTTL = 600 * time.Second

	// recentPosts is how far back the profile scan looks when the
	// caller did not name a post.
	recentPosts = 10
)

// Directory resolves users and their profile posts.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*models.Identity, error)
	GetUserPost(ctx context.Context, userID, postID string) (*models.Post, error)
	GetUserPosts(ctx context.Context, userID string, limit int) ([]models.Post, error)
}

// Messenger checks server membership and sends the reaction challenge.
type Messenger interface {
	FetchMember(ctx context.Context, serverID, userID string) (*guilded.Member, error)
	SendVerificationMessage(ctx context.Context, channelID, userID string, options [3]string) (string, error)
}

// Channel is a server where the bot can post challenges.
type Channel struct {
	ServerID  string
	ChannelID string
}

// Engine issues and checks verification challenges.
type Engine struct {
	dir       Directory
	messenger Messenger
	channels  []Channel
	cache     cache.Cache
	keys      cache.Keys
	logger    *slog.Logger
}

// NewEngine creates a challenge engine. messenger may be nil, in which
// case only profile challenges are issued.
func NewEngine(dir Directory, messenger Messenger, channels []Channel, c cache.Cache, keys cache.Keys, logger *slog.Logger) *Engine {
	return &Engine{
		dir:       dir,
		messenger: messenger,
		channels:  channels,
		cache:     c,
		keys:      keys,
		logger:    logger,
	}
}

// Start issues a challenge for userID. A messaging challenge is tried
// first when the user shares a configured server with the bot; any
// failure there falls back to a profile challenge.
func (e *Engine) Start(ctx context.Context, userID, serverHint string) (*Challenge, error) {
	user, err := e.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", userID, err)
	}

	if user == nil {
		return nil, apperrors.ErrIdentityLookupFailed
	}

	ch, err := e.startMessage(ctx, *user, serverHint)
	if err != nil {
		return nil, err
	}

	if ch != nil {
		return ch, nil
	}

	return e.startProfile(ctx, *user)
}

// orderedChannels puts the hinted server first, keeping configured
// order otherwise.
func (e *Engine) orderedChannels(serverHint string) []Channel {
	out := make([]Channel, 0, len(e.channels))

	for _, c := range e.channels {
		if serverHint != "" && c.ServerID == serverHint {
			out = append(out, c)
		}
	}

	for _, c := range e.channels {
		if serverHint == "" || c.ServerID != serverHint {
			out = append(out, c)
		}
	}

	return out
}

// startMessage returns nil, nil when the messaging strategy does not
// apply or the send failed.
func (e *Engine) startMessage(ctx context.Context, user models.Identity, serverHint string) (*Challenge, error) {
	if e.messenger == nil {
		return nil, nil
	}

	var target *Channel

	for _, c := range e.orderedChannels(serverHint) {
		member, err := e.messenger.FetchMember(ctx, c.ServerID, user.ID)
		if err != nil {
			e.logger.Warn("membership check failed",
				slog.String("server_id", c.ServerID),
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if member != nil {
			target = &c
			break
		}
	}

	if target == nil {
		return nil, nil
	}

	options, correct := newOptions()

	messageID, err := e.messenger.SendVerificationMessage(ctx, target.ChannelID, user.ID, options)
	if err != nil {
		e.logger.Warn("verification message failed, falling back to profile",
			slog.String("channel_id", target.ChannelID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	entry := messageEntry{
		AuthStrings:   options[:],
		CorrectString: options[correct],
		Code:          randomCode(),
		UserID:        user.ID,
		Status:        StatusPending,
	}

	if err := cache.SetJSON(ctx, e.cache, e.keys.VerifyCodeShort(messageID), entry, ChallengeTTL); err != nil {
		return nil, fmt.Errorf("storing message challenge: %w", err)
	}

	e.logger.Info("message challenge issued",
		slog.String("user_id", user.ID),
		slog.String("server_id", target.ServerID),
		slog.String("message_id", messageID),
	)

	return &Challenge{
		Kind:          KindMessage,
		User:          user,
		Code:          entry.Code,
		MessageID:     messageID,
		ServerID:      target.ServerID,
		ChannelID:     target.ChannelID,
		Options:       entry.AuthStrings,
		CorrectString: entry.CorrectString,
	}, nil
}

func (e *Engine) startProfile(ctx context.Context, user models.Identity) (*Challenge, error) {
	entry := profileEntry{
		AuthString: newAuthString(),
		Code:       randomCode(),
	}

	// Overwrites any earlier challenge for this user.
	if err := cache.SetJSON(ctx, e.cache, e.keys.VerifyCode(user.ID), entry, ChallengeTTL); err != nil {
		return nil, fmt.Errorf("storing profile challenge: %w", err)
	}

	e.logger.Info("profile challenge issued", slog.String("user_id", user.ID))

	return &Challenge{
		Kind:       KindProfile,
		User:       user,
		Code:       entry.Code,
		AuthString: entry.AuthString,
	}, nil
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CompleteProfile checks a profile challenge. With postID empty the
// user's most recent posts are scanned for the challenge string. The
// challenge is consumed on success.
func (e *Engine) CompleteProfile(ctx context.Context, userID, postID, code string) (*models.Identity, error) {
	key := e.keys.VerifyCode(userID)

	var entry profileEntry
	if err := cache.GetJSON(ctx, e.cache, key, &entry); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, apperrors.ErrChallengeNotFound
		}

		return nil, fmt.Errorf("loading profile challenge: %w", err)
	}

	if !codesEqual(entry.Code, code) {
		e.logger.Warn("profile challenge code mismatch", slog.String("user_id", userID))
		return nil, apperrors.ErrCodeMismatch
	}

	if err := e.findPost(ctx, userID, postID, entry.AuthString); err != nil {
		return nil, err
	}

	user, err := e.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("refreshing user %s: %w", userID, err)
	}

	if user == nil {
		return nil, apperrors.ErrIdentityLookupFailed
	}

	// A concurrent completion may have consumed the entry between the
	// read above and here; only one caller wins.
	var consumed profileEntry
	if err := cache.GetDelJSON(ctx, e.cache, key, &consumed); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, apperrors.ErrChallengeNotFound
		}

		return nil, fmt.Errorf("consuming profile challenge: %w", err)
	}

	if !codesEqual(consumed.Code, code) {
		return nil, apperrors.ErrChallengeNotFound
	}

	e.logger.Info("profile challenge completed", slog.String("user_id", userID))

	return user, nil
}

func (e *Engine) findPost(ctx context.Context, userID, postID, authString string) error {
	if postID != "" {
		post, err := e.dir.GetUserPost(ctx, userID, postID)
		if err != nil {
			return fmt.Errorf("fetching post %s: %w", postID, err)
		}

		if post == nil {
			return apperrors.ErrPostNotFound
		}

		if post.Title != authString || post.CreatedBy != userID {
			e.logger.Warn("profile post title mismatch",
				slog.String("user_id", userID),
				slog.String("post_id", postID),
			)

			return apperrors.ErrTitleMismatch
		}
	}

	posts, err := e.dir.GetUserPosts(ctx, userID, recentPosts)
	if err != nil {
		return fmt.Errorf("fetching recent posts: %w", err)
	}

	if len(posts) == 0 {
		return apperrors.ErrPostNotFound
	}

	for _, p := range posts {
		if postID != "" && p.ID != postID {
			continue
		}

		if p.Title == authString && p.CreatedBy == userID {
			return nil
		}
	}

	if postID != "" {
		e.logger.Warn("profile post not among recent posts",
			slog.String("user_id", userID),
			slog.String("post_id", postID),
		)

		return apperrors.ErrPostNotFound
	}

	e.logger.Warn("no recent post matches challenge",
		slog.String("user_id", userID),
		slog.Int("scanned", len(posts)),
	)

	return apperrors.ErrTitleMismatch
}

func (e *Engine) loadMessage(ctx context.Context, messageID string) (*messageEntry, error) {
	var entry messageEntry
	if err := cache.GetJSON(ctx, e.cache, e.keys.VerifyCodeShort(messageID), &entry); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, apperrors.ErrChallengeNotFound
		}

		return nil, fmt.Errorf("loading message challenge: %w", err)
	}

	return &entry, nil
}

// CompleteMessage checks a messaging challenge that the reaction
// watcher has marked verified. The entry is left in place for the
// watcher; completing twice binds the same identity twice.
func (e *Engine) CompleteMessage(ctx context.Context, messageID, code string) (*models.Identity, error) {
	entry, err := e.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if !codesEqual(entry.Code, code) {
		e.logger.Warn("message challenge code mismatch", slog.String("message_id", messageID))
		return nil, apperrors.ErrCodeMismatch
	}

	if entry.Status != StatusVerified {
		return nil, fmt.Errorf("%w: status is %s", apperrors.ErrNotVerified, entry.Status)
	}

	user, err := e.dir.GetUser(ctx, entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", entry.UserID, err)
	}

	if user == nil {
		return nil, apperrors.ErrIdentityLookupFailed
	}

	e.logger.Info("message challenge completed",
		slog.String("user_id", entry.UserID),
		slog.String("message_id", messageID),
	)

	return user, nil
}

// Status returns the current status of a messaging challenge.
func (e *Engine) Status(ctx context.Context, messageID string) (Status, error) {
	entry, err := e.loadMessage(ctx, messageID)
	if err != nil {
		return "", err
	}

	return entry.Status, nil
}

// SetStatus moves a pending messaging challenge to a terminal status.
// Any other transition fails with ErrInvalidTransition.
func (e *Engine) SetStatus(ctx context.Context, messageID string, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidTransition, next)
	}

	err := e.cache.Update(ctx, e.keys.VerifyCodeShort(messageID), func(old []byte) ([]byte, error) {
		var entry messageEntry
		if err := json.Unmarshal(old, &entry); err != nil {
			return nil, fmt.Errorf("decoding message challenge: %w", err)
		}

		if !entry.Status.CanTransition(next) {
			return nil, fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, entry.Status, next)
		}

		entry.Status = next

		return json.Marshal(entry)
	})

	if errors.Is(err, cache.ErrMiss) {
		return apperrors.ErrChallengeNotFound
	}

	return err
}

// HandleReaction is the status writer. It maps a reaction on a
// challenge message to a status change when the reaction comes from the
// challenged user. Everything else is ignored.
func (e *Engine) HandleReaction(ctx context.Context, r guilded.Reaction) {
	entry, err := e.loadMessage(ctx, r.MessageID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrChallengeNotFound) {
			e.logger.Warn("loading challenge for reaction",
				slog.String("message_id", r.MessageID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if entry.UserID != r.UserID {
		return
	}

	next, ok := statusForEmote(entry, r.EmoteID)
	if !ok {
		return
	}

	if err := e.SetStatus(ctx, r.MessageID, next); err != nil {
		e.logger.Debug("reaction status not applied",
			slog.String("message_id", r.MessageID),
			slog.String("status", string(next)),
			slog.String("error", err.Error()),
		)

		return
	}

	e.logger.Info("message challenge answered",
		slog.String("message_id", r.MessageID),
		slog.String("user_id", r.UserID),
		slog.String("status", string(next)),
	)
}

func statusForEmote(entry *messageEntry, emoteID int) (Status, bool) {
	if emoteID == guilded.EmoteX {
		return StatusDenied, true
	}

	for i, id := range guilded.OptionEmotes {
		if id != emoteID {
			continue
		}

		if i < len(entry.AuthStrings) && entry.AuthStrings[i] == entry.CorrectString {
			return StatusVerified, true
		}

		return StatusFailed, true
	}

	return "", false
}
