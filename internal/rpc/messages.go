package rpc

// Kind enumerates every id-correlated command the bridge understands.
type Kind int

const (
	KindRosterQuery Kind = iota
	KindProfileImport
	KindCVRead
	KindCVWrite

	numKinds
)

type kindRoute struct {
	name     string
	idPrefix string
	group    string // topic group: "roster" or "cv"
	request  string
	response string
}

var routes = [numKinds]kindRoute{
	KindRosterQuery:   {"roster_query", "rq", "roster", "query", "info"},
	KindProfileImport: {"profile_import", "imp", "roster", "import_profile", "import_status"},
	KindCVRead:        {"cv_read", "cvr", "cv", "read", "result"},
	KindCVWrite:       {"cv_write", "cvw", "cv", "write", "result"},
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return routes[k].name
}

// Request is implemented only by the request types in this file.
type Request interface {
	Kind() Kind
	setRequestID(id string)
}

// RosterQuery looks up a roster entry by id, or by DCC address when
// RosterID is empty.
type RosterQuery struct {
	RequestID string `json:"request_id"`
	RosterID  string `json:"roster_id,omitempty"`
	Address   *int   `json:"address,omitempty"`
}

type RosterEntry struct {
	RosterID        string `json:"roster_id"`
	Address         int    `json:"address"`
	DecoderModel    string `json:"decoder_model,omitempty"`
	HasSpeedProfile bool   `json:"has_speed_profile"`
}

type RosterInfo struct {
	RequestID string        `json:"request_id"`
	Found     bool          `json:"found"`
	Entries   []RosterEntry `json:"entries,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ProfileEntry is one speed-profile point, per direction.
type ProfileEntry struct {
	SpeedStep int     `json:"speed_step"`
	SpeedMPH  float64 `json:"speed_mph"`
	Direction string  `json:"direction"`
}

type ProfileImport struct {
	RequestID     string         `json:"request_id"`
	RosterID      string         `json:"roster_id"`
	ScaleFactor   float64        `json:"scale_factor"`
	ClearExisting bool           `json:"clear_existing"`
	Entries       []ProfileEntry `json:"entries"`
}

type ImportStatus struct {
	RequestID       string `json:"request_id"`
	Success         bool   `json:"success"`
	RosterID        string `json:"roster_id,omitempty"`
	EntriesImported int    `json:"entries_imported"`
	Error           string `json:"error,omitempty"`
}

type CVRead struct {
	RequestID string `json:"request_id"`
	CV        int    `json:"cv"`
}

type CVReadBatch struct {
	RequestID string `json:"request_id"`
	CVs       []int  `json:"cvs"`
}

type CVWrite struct {
	RequestID string `json:"request_id"`
	CV        int    `json:"cv"`
	Value     int    `json:"value"`
}

type CVValue struct {
	CV    int `json:"cv"`
	Value int `json:"value"`
}

type CVWriteBatch struct {
	RequestID string    `json:"request_id"`
	Writes    []CVValue `json:"writes"`
}

// StatusOK is the bridge's success status for CV operations.
const StatusOK = "OK"

// CVResult answers both reads and writes. Batch operations report
// "read_batch_complete" / "write_batch_complete" with per-CV Results.
type CVResult struct {
	RequestID string     `json:"request_id"`
	Operation string     `json:"operation"`
	CV        int        `json:"cv"`
	Value     int        `json:"value"`
	Status    string     `json:"status"`
	Results   []CVResult `json:"results,omitempty"`
}

func (r *CVResult) OK() bool { return r != nil && r.Status == StatusOK }

func (*RosterQuery) Kind() Kind   { return KindRosterQuery }
func (*ProfileImport) Kind() Kind { return KindProfileImport }
func (*CVRead) Kind() Kind        { return KindCVRead }
func (*CVReadBatch) Kind() Kind   { return KindCVRead }
func (*CVWrite) Kind() Kind       { return KindCVWrite }
func (*CVWriteBatch) Kind() Kind  { return KindCVWrite }

func (r *RosterQuery) setRequestID(id string)   { r.RequestID = id }
func (r *ProfileImport) setRequestID(id string) { r.RequestID = id }
func (r *CVRead) setRequestID(id string)        { r.RequestID = id }
func (r *CVReadBatch) setRequestID(id string)   { r.RequestID = id }
func (r *CVWrite) setRequestID(id string)       { r.RequestID = id }
func (r *CVWriteBatch) setRequestID(id string)  { r.RequestID = id }
