package store

// Peer is a persisted pairing record for a remote device.
type Peer struct {
	UUID           string
	DisplayName    string
	Address        string
	Port           int
	PublicKey      []byte
	SharedKey      []byte
	Accepted       bool
	Rejected       bool
	LastSeenOnline int64 // unix milliseconds, 0 if never
}

// Notification is one entry of the per-device notification log. The
// dedup engine matches incoming notifications against recent rows.
type Notification struct {
	ID          int64
	Key         string
	PackageName string
	AppName     string
	Title       string
	Text        string
	Time        int64 // unix milliseconds
	Device      string
}

// HistoryRow is a persisted merged-session snapshot. Images are stored
// as a JSON object of display-key to content ref.
type HistoryRow struct {
	ID               int64
	SourceDeviceUUID string
	OriginalPackage  string
	MappedPackage    string
	AppName          string
	Title            string
	Text             string
	RichPayloadRaw   string
	ImagesJSON       string
	FeatureID        string
	CreatedAt        int64 // unix milliseconds
}

// Blob is one content-store entry.
type Blob struct {
	Digest   string
	Value    string
	RefCount int
	LastSeen int64 // unix milliseconds
}
