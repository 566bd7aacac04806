package guilded

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/tidwall/gjson"
)

func identityFrom(u gjson.Result) *models.Identity {
	if !u.Get("id").Exists() {
		return nil
	}

	return &models.Identity{
		ID:             u.Get("id").String(),
		Name:           u.Get("name").String(),
		ProfilePicture: u.Get("profilePicture").String(),
	}
}

func postFrom(p gjson.Result) models.Post {
	return models.Post{
		ID:        p.Get("id").String(),
		Title:     p.Get("title").String(),
		CreatedBy: p.Get("createdBy").String(),
	}
}

// GetUser resolves a user by ID. Returns nil, nil when upstream has no
// such user.
func (c *Client) GetUser(ctx context.Context, userID string) (*models.Identity, error) {
	body, err := c.do(ctx, http.MethodGet, c.webBase+"/users/"+url.PathEscape(userID), nil, false)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", userID, err)
	}

	return identityFrom(gjson.GetBytes(body, "user")), nil
}

// GetUserPost fetches one post from a user's profile. Returns nil, nil
// when the post does not exist.
func (c *Client) GetUserPost(ctx context.Context, userID, postID string) (*models.Post, error) {
	endpoint := c.webBase + "/users/" + url.PathEscape(userID) + "/posts/" + url.PathEscape(postID)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting post %s: %w", postID, err)
	}

	// Some deployments wrap the post, others return it bare.
	p := gjson.GetBytes(body, "post")
	if !p.Exists() {
		p = gjson.ParseBytes(body)
	}

	if !p.Get("title").Exists() {
		return nil, nil
	}

	post := postFrom(p)

	return &post, nil
}

// GetUserPosts returns up to limit of the user's most recent posts.
func (c *Client) GetUserPosts(ctx context.Context, userID string, limit int) ([]models.Post, error) {
	endpoint := c.webBase + "/users/" + url.PathEscape(userID) + "/posts?maxPosts=" + strconv.Itoa(limit)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("listing posts for %s: %w", userID, err)
	}

	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("posts")
	}

	var posts []models.Post

	list.ForEach(func(_, p gjson.Result) bool {
		posts = append(posts, postFrom(p))
		return len(posts) < limit
	})

	return posts, nil
}

// GetUserTeams lists the public servers a user belongs to.
func (c *Client) GetUserTeams(ctx context.Context, userID string) ([]models.Server, error) {
	body, err := c.do(ctx, http.MethodGet, c.webBase+"/users/"+url.PathEscape(userID)+"/teams", nil, false)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("listing teams for %s: %w", userID, err)
	}

	servers := []models.Server{}

	gjson.GetBytes(body, "teams").ForEach(func(_, t gjson.Result) bool {
		servers = append(servers, models.Server{
			ID:     t.Get("id").String(),
			Name:   t.Get("name").String(),
			Avatar: t.Get("profilePicture").String(),
		})

		return true
	})

	return servers, nil
}

// SearchUsers runs an upstream user search.
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]models.Identity, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("entityType", "user")
	q.Set("maxResultsPerType", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, c.webBase+"/search?"+q.Encode(), nil, false)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	users := []models.Identity{}

	gjson.GetBytes(body, "results.users").ForEach(func(_, u gjson.Result) bool {
		if id := identityFrom(u); id != nil {
			users = append(users, *id)
		}

		return true
	})

	return users, nil
}
