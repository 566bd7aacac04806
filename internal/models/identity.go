package models

// Identity is an upstream platform user as this system understands it.
// Always fetched live; only held transiently in sessions and cache entries.
type Identity struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Post is a status post on a user's profile.
type Post struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedBy string `json:"createdBy"`
}

// Server is a partial upstream server (team) the user belongs to.
type Server struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
