package appliance

// DeviceInfo is the appliance self-description from /discover.json.
// StorageURL present means the appliance is DVR-capable.
type DeviceInfo struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
	StorageID       string `json:"StorageID,omitempty"`
	StorageURL      string `json:"StorageURL,omitempty"`
	TotalSpace      int64  `json:"TotalSpace,omitempty"`
	FreeSpace       int64  `json:"FreeSpace,omitempty"`
}

// IsDVR reports whether the appliance exposes a recording catalog.
func (d DeviceInfo) IsDVR() bool { return d.StorageURL != "" }

// LineupEntry is one channel from /lineup.json.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	VideoCodec  string `json:"VideoCodec,omitempty"`
	AudioCodec  string `json:"AudioCodec,omitempty"`
	DRM         int    `json:"DRM,omitempty"`
	URL         string `json:"URL"`
}

// TunerResource is one element of /status.json.
type TunerResource struct {
	Resource       string `json:"Resource"`
	InUse          int    `json:"InUse,omitempty"`
	VctNumber      string `json:"VctNumber,omitempty"`
	VctName        string `json:"VctName,omitempty"`
	Frequency      int64  `json:"Frequency,omitempty"`
	SignalStrength int    `json:"SignalStrength,omitempty"`
	TargetIP       string `json:"TargetIP,omitempty"`
}

// Busy reports whether the tuner is currently delivering a stream.
func (t TunerResource) Busy() bool {
	return t.InUse == 1 || t.VctNumber != ""
}

// SeriesRecord is one series from the storage catalog (recorded_files.json
// grouped view).
type SeriesRecord struct {
	SeriesID    string `json:"SeriesID"`
	Title       string `json:"Title"`
	Category    string `json:"Category"`
	ImageURL    string `json:"ImageURL"`
	StartTime   int64  `json:"StartTime"`
	EpisodesURL string `json:"EpisodesURL"`
}

// EpisodeRecord is one recording from a series' episodes URL. Resume carries
// the sentinel 0xFFFFFFFF for "fully watched"; keep it unsigned.
type EpisodeRecord struct {
	ProgramID       string `json:"ProgramID"`
	SeriesID        string `json:"SeriesID"`
	Title           string `json:"Title"`
	EpisodeTitle    string `json:"EpisodeTitle"`
	EpisodeNumber   string `json:"EpisodeNumber"` // "S01E04" style
	Synopsis        string `json:"Synopsis"`
	ImageURL        string `json:"ImageURL"`
	ChannelName     string `json:"ChannelName"`
	ChannelNumber   string `json:"ChannelNumber"`
	StartTime       int64  `json:"StartTime"`
	EndTime         int64  `json:"EndTime"`
	OriginalAirdate int64  `json:"OriginalAirdate"`
	RecordStartTime int64  `json:"RecordStartTime"`
	RecordEndTime   int64  `json:"RecordEndTime"`
	RecordSuccess   int    `json:"RecordSuccess"`
	Resume          uint32 `json:"Resume"`
	Filename        string `json:"Filename"`
	PlayURL         string `json:"PlayURL"`
	CmdURL          string `json:"CmdURL"`
}

// ResumeSentinel marks a recording as fully watched in the appliance's
// progress field.
const ResumeSentinel uint32 = 0xFFFFFFFF
