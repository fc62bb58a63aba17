package auth

// OAuth scopes understood by the API.
const (
	ScopeHealthRead  = "health:read"
	ScopeHealthWrite = "health:write"
)
