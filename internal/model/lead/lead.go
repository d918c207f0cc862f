package lead

import "time"

// Lead is a visitor's submitted contact form.
type Lead struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
}

// Visit records a landing on the chat page.
type Visit struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	UserAgent string    `json:"userAgent,omitempty"`
	Referrer  string    `json:"referrer,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
