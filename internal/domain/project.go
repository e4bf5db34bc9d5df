package domain

import "time"

// Project describes a deployable git repository and the subdomain it is served from.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GitURL    string    `json:"gitURL"`
	SubDomain string    `json:"subDomain"`
	CreatedAt time.Time `json:"createdAt"`
}
