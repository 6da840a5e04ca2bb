package dashboard

// VersionsRequest asks to resolve ambiguous versions of a snapshot.
// Keys restricts the lookup to "hostId:containerId" instance keys.
type VersionsRequest struct {
	SnapshotID string   `json:"snapshot_id" validate:"required,uuid"`
	Keys       []string `json:"keys,omitempty" validate:"omitempty,max=1000,dive,required"`
}

// StatsRequest asks for live usage of a snapshot's running instances
type StatsRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required,uuid"`
}
