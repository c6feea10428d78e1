package domain

import "time"

// Record is one persisted access-control decision for a protected subdomain.
type Record struct {
	ID        string    `json:"id"`
	Subdomain string    `json:"subdomain"`
	UserID    string    `json:"userId,omitempty"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
