package zkill

import "encoding/json"

// KillListing is one entry from a zKillboard listing page. The verbatim
// payload is kept in Raw so the store can persist it untouched.
type KillListing struct {
	KillmailID int64 `json:"killmail_id"`
	Zkb        Zkb   `json:"zkb"`

	Raw json.RawMessage `json:"-"`
}

// Zkb carries the zKillboard-side metadata for a kill.
type Zkb struct {
	Hash       string  `json:"hash"`
	TotalValue float64 `json:"totalValue"`
}

// Base selects which identifier a filtered listing query is keyed by.
type Base string

const (
	BaseCharacter   Base = "character"
	BaseCorporation Base = "corporation"
	BaseAlliance    Base = "alliance"
	BaseShip        Base = "ship"
	BaseSystem      Base = "system"
	BaseRegion      Base = "region"
)

// modifier maps a Base to the URL path segment zKillboard expects.
func (b Base) modifier() string {
	switch b {
	case BaseCharacter:
		return "characterID"
	case BaseCorporation:
		return "corporationID"
	case BaseAlliance:
		return "allianceID"
	case BaseShip:
		return "shipTypeID"
	case BaseSystem:
		return "solarSystemID"
	case BaseRegion:
		return "regionID"
	}
	return ""
}
