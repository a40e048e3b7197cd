package domain

// Device is a screen-capable target reported by a bridge enumeration.
type Device struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Platform Platform `json:"platform"`
	State    string   `json:"state,omitempty"` // "device", "booted", "offline", ...
	Model    string   `json:"model,omitempty"`
}
