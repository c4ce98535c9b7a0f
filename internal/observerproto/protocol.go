package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the TICK stream; 1 sends every tick.
	EveryTicks int `json:"every_ticks"`

	// Optional: also stream the GPU node buffer every NodesEveryTicks ticks, truncated to MaxNodes.
	IncludeNodes    bool `json:"include_nodes,omitempty"`
	NodesEveryTicks int  `json:"nodes_every_ticks,omitempty"`
	MaxNodes        int  `json:"max_nodes,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	Params          StreamParams `json:"params"`
	TopLevel        []string     `json:"top_level"`
	Last            *TickMsg     `json:"last,omitempty"`
}

type StreamParams struct {
	TickRateHz int   `json:"tick_rate_hz"`
	MaxNodes   int   `json:"max_nodes"`
	RecordSize int   `json:"record_size"`
	TopLevel   int   `json:"top_level"`
	MinLevel   int   `json:"min_level"`
	Seed       int64 `json:"seed"`
}

// Server -> Client. Sent every EveryTicks ticks.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	DurationMicros  int64  `json:"duration_us"`

	Results        int `json:"results"`
	ChildChanges   int `json:"child_changes"`
	Requests       int `json:"requests"`
	Violations     int `json:"violations"`
	CapacityErrors int `json:"capacity_errors"`
	FlushedNodes   int `json:"flushed_nodes"`

	Nodes           int `json:"nodes"`
	FreeNodes       int `json:"free_nodes"`
	Tracked         int `json:"tracked"`
	PendingSingles  int `json:"pending_singles"`
	PendingChildren int `json:"pending_children"`

	Merges    uint64 `json:"merges"`
	Collapses uint64 `json:"collapses"`
}

// Server -> Client. A copy of the committed GPU node buffer.
// Encoding "NODE16_LE_B64" means:
// - Decode base64 to bytes, Count records of 16 bytes each, indexed by node id
// - Bytes 0..7 position key, 8..11 geometry|child count<<24|flags<<28, 12..15 child ptr|existence<<24
type NodesMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Generation      uint64 `json:"generation"`
	Encoding        string `json:"encoding"`
	Count           int    `json:"count"`
	Truncated       bool   `json:"truncated,omitempty"`
	Data            string `json:"data"`
}
