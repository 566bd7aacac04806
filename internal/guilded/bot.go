package guilded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/tidwall/gjson"
)

// Reaction emotes added to a challenge message. The numbered emotes map
// to the three displayed options in order.
const (
	EmoteOne   = 90002199
	EmoteTwo   = 90002200
	EmoteThree = 90002201
	EmoteX     = 90002175
)

// OptionEmotes lists the option emotes in display order.
var OptionEmotes = [3]int{EmoteOne, EmoteTwo, EmoteThree}

const embedFooterIcon = "https://authlink.app/images/authlink.png"

// Member is a server member as returned by the bot API.
type Member struct {
	User     models.Identity
	Nickname string
	RoleIDs  []int64
	JoinedAt string
	// Raw is the member object exactly as upstream sent it.
	Raw json.RawMessage
}

// FetchMember returns a member of a server the bot is in, or nil, nil
// when the user is not a member (or the bot cannot see the server).
func (c *Client) FetchMember(ctx context.Context, serverID, userID string) (*Member, error) {
	endpoint := c.botBase + "/servers/" + url.PathEscape(serverID) + "/members/" + url.PathEscape(userID)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, true)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching member %s in %s: %w", userID, serverID, err)
	}

	m := gjson.GetBytes(body, "member")
	if !m.Exists() {
		return nil, nil
	}

	member := &Member{
		User: models.Identity{
			ID:             m.Get("user.id").String(),
			Name:           m.Get("user.name").String(),
			ProfilePicture: m.Get("user.avatar").String(),
		},
		Nickname: m.Get("nickname").String(),
		JoinedAt: m.Get("joinedAt").String(),
		Raw:      json.RawMessage(m.Raw),
	}

	m.Get("roleIds").ForEach(func(_, r gjson.Result) bool {
		member.RoleIDs = append(member.RoleIDs, r.Int())
		return true
	})

	return member, nil
}

type embedFooter struct {
	IconURL string `json:"icon_url,omitempty"`
	Text    string `json:"text"`
}

type embed struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Footer      embedFooter `json:"footer"`
}

type createMessage struct {
	Embeds    []embed `json:"embeds"`
	IsPrivate bool    `json:"isPrivate"`
}

func verificationEmbed(userID string, options [3]string) embed {
	lines := []string{
		"Please react with the number corresponding to the code that you see on the login page. " +
			"If you did not expect this message, react with :x:.",
		"",
		fmt.Sprintf(":one: `%s`", options[0]),
		fmt.Sprintf(":two: `%s`", options[1]),
		fmt.Sprintf(":three: `%s`", options[2]),
	}

	return embed{
		Title:       fmt.Sprintf("Verification for <@%s>", userID),
		Description: strings.Join(lines, "\n"),
		Footer: embedFooter{
			IconURL: embedFooterIcon,
			Text:    "This message expires 10 minutes after it was sent.",
		},
	}
}

// SendVerificationMessage posts a private challenge message mentioning
// userID and listing the three options, then adds the 1/2/3/X reactions.
// Returns the message ID. Reaction failures are logged, not returned; the
// user can still add the reaction by hand.
func (c *Client) SendVerificationMessage(ctx context.Context, channelID, userID string, options [3]string) (string, error) {
	endpoint := c.botBase + "/channels/" + url.PathEscape(channelID) + "/messages"

	body, err := c.do(ctx, http.MethodPost, endpoint, createMessage{
		Embeds:    []embed{verificationEmbed(userID, options)},
		IsPrivate: true,
	}, true)
	if errors.Is(err, errNotFound) {
		return "", fmt.Errorf("sending verification message: channel %s not found", channelID)
	}

	if err != nil {
		return "", fmt.Errorf("sending verification message: %w", err)
	}

	messageID := gjson.GetBytes(body, "message.id").String()
	if messageID == "" {
		return "", fmt.Errorf("sending verification message: response had no message id")
	}

	// Added in order so they display 1, 2, 3, X.
	for _, emote := range append(OptionEmotes[:], EmoteX) {
		if err := c.AddReaction(ctx, channelID, messageID, emote); err != nil {
			c.logger.Warn("adding challenge reaction failed",
				slog.String("message_id", messageID),
				slog.Int("emote", emote),
				slog.String("error", err.Error()),
			)

			break
		}
	}

	return messageID, nil
}

// AddReaction reacts to a message as the bot.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID string, emoteID int) error {
	endpoint := c.botBase + "/channels/" + url.PathEscape(channelID) +
		"/content/" + url.PathEscape(messageID) + "/emotes/" + strconv.Itoa(emoteID)

	if _, err := c.do(ctx, http.MethodPut, endpoint, nil, true); err != nil {
		return fmt.Errorf("adding reaction %d: %w", emoteID, err)
	}

	return nil
}
