package http

// APIResponse represents standard API response.
type APIResponse struct {
	Status  int         `json:"status" example:"200"`
	Message string      `json:"message" example:"OK"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationError represents validation error detail.
type ValidationError struct {
	Code    string                 `json:"code,omitempty" example:"ERR_REQUIRED"`
	Field   string                 `json:"field,omitempty" example:"interval"`
	Message string                 `json:"message,omitempty" example:"interval is required"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string           `json:"status" example:"ok"`
	Service   string           `json:"service" example:"sale-oracle"`
	Providers []ProviderHealth `json:"providers,omitempty"`
}

// ProviderHealth reports whether a provider is currently blocked.
type ProviderHealth struct {
	Name         string `json:"name"`
	Blocked      bool   `json:"blocked"`
	BlockedUntil string `json:"blocked_until,omitempty"`
}
