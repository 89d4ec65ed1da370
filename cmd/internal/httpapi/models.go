package httpapi

import "time"

// ---- requests ----

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type registerRequest struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Email       *string  `json:"email,omitempty"`
	FullName    *string  `json:"full_name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type controlRequest struct {
	NodeID string  `json:"node_id"`
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type statusRequest struct {
	Disabled bool `json:"disabled"`
}

// ---- responses ----

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

type userResponse struct {
	Username    string   `json:"username"`
	Email       *string  `json:"email,omitempty"`
	FullName    *string  `json:"full_name,omitempty"`
	Disabled    bool     `json:"disabled"`
	Permissions []string `json:"permissions"`
}

type readingResponse struct {
	NodeID    string             `json:"node_id"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

type controlResponse struct {
	Status    string    `json:"status"`
	NodeID    string    `json:"node_id"`
	Action    string    `json:"action"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type nodesResponse struct {
	Nodes []string `json:"nodes"`
}

type permissionsResponse struct {
	Permissions []string `json:"permissions"`
}

type statusResponse struct {
	Username string `json:"username"`
	Disabled bool   `json:"disabled"`
}
