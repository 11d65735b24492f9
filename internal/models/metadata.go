package models

// ZoneMetadata describes one raid zone of the rankings API.
type ZoneMetadata struct {
	Name          string            `json:"name"`
	ExpansionID   int               `json:"expansion_id"`
	ExpansionName string            `json:"expansion_name"`
	Difficulties  map[string]string `json:"difficulties"`
	Encounters    map[string]string `json:"encounters"`
}

// RegionMetadata is a game region and its servers, keyed by server id.
type RegionMetadata struct {
	Name    string                    `json:"name"`
	Slug    string                    `json:"slug"`
	Servers map[string]ServerMetadata `json:"servers"`
}

// ServerMetadata is one game server.
type ServerMetadata struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Datacenter string `json:"datacenter"`
}
