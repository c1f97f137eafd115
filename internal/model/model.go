// Package model defines the record shapes shared across the ingestion and
// delivery pipeline: file-change events, the aggregated and normalised
// record variants, and the durable-queue item shapes.
package model

import "time"

// EventKind is the kind of change the Watcher observed on a file.
type EventKind string

const (
	// EventCreated marks a path that did not exist in the previous snapshot.
	EventCreated EventKind = "created"
	// EventModified marks a path present in the previous snapshot with a
	// strictly greater modification time.
	EventModified EventKind = "modified"
)

// FileEvent is the ephemeral value produced by a Watcher tick and consumed
// exactly once by the Dispatcher.
type FileEvent struct {
	Path     string
	Kind     EventKind
	Producer string
}

// TableType is the normalised table classification of an aggregated record.
type TableType string

const (
	TableFeature TableType = "FEATURE_TABLE"
	TableMain    TableType = "MAIN_TABLE"
	TableFinal   TableType = "FINAL_TABLE"
	TableSide    TableType = "SIDE_TABLE"
	TableUnknown TableType = "UNKNOWN"
)

// AggregatedRecord is the single-row variant: one row per ingested file.
type AggregatedRecord struct {
	SessionID       *int64         `json:"session_id,omitempty"`
	FileHash        string         `json:"file_hash"`
	FileName        string         `json:"file_name"`
	NASPath         string         `json:"nas_path"`
	TableType       TableType      `json:"table_type"`
	EventTitle      string         `json:"event_title,omitempty"`
	SoftwareVersion string         `json:"software_version,omitempty"`
	HandCount       int            `json:"hand_count"`
	PlayerCount     int            `json:"player_count"`
	Payouts         []int64        `json:"payouts,omitempty"`
	RawJSON         map[string]any `json:"raw_json"`
	SyncSource      string         `json:"sync_source"`
	GFXPCID         string         `json:"gfx_pc_id"`
	CreatedAt       time.Time      `json:"created_at"`

	// internal-only bookkeeping, stripped before the record is handed to
	// RemoteClient (see toFields in the dispatcher package).
	FilePath    string `json:"-"`
	ProducerID  string `json:"-"`
	RetryCount  int    `json:"-"`
}

// Session is the one-per-file root of the normalised record set.
type Session struct {
	SessionID       int64  `json:"session_id"`
	FileHash        string `json:"file_hash"`
	FileName        string `json:"file_name"`
	GFXPCID         string `json:"gfx_pc_id"`
	TableType       TableType `json:"table_type"`
	EventTitle      string `json:"event_title,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

// Hand is a single hand within a Session, keyed by (session_id, hand_num).
type Hand struct {
	ID                     string         `json:"id"`
	SessionID              int64          `json:"session_id"`
	HandNum                int            `json:"hand_num"`
	GameVariant            string         `json:"game_variant"`
	GameClass              string         `json:"game_class"`
	BetStructure           string         `json:"bet_structure"`
	DurationSeconds        int64          `json:"duration_seconds"`
	StartDateTimeUTC       *time.Time     `json:"start_datetime_utc,omitempty"`
	RecordingOffsetSeconds int64          `json:"recording_offset_seconds"`
	SmallBlind             *float64       `json:"small_blind,omitempty"`
	BigBlind               *float64       `json:"big_blind,omitempty"`
	Ante                   *float64       `json:"ante,omitempty"`
	Blinds                 map[string]any `json:"blinds"`
	NumBoards              int            `json:"num_boards"`
	RunItNumTimes          int            `json:"run_it_num_times"`
	PlayerCount            int            `json:"player_count"`
	EventCount             int            `json:"event_count"`
}

// Player is deduplicated across an entire file by PlayerHash.
type Player struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	LongName   string `json:"long_name,omitempty"`
	PlayerHash string `json:"player_hash"`
}

// HandPlayer is the per-hand appearance of a Player, keyed by (hand_id, seat_num).
type HandPlayer struct {
	HandID            string   `json:"hand_id"`
	PlayerID          string   `json:"player_id"`
	SeatNum           int      `json:"seat_num"`
	HoleCards         []string `json:"hole_cards,omitempty"`
	HasShown          bool     `json:"has_shown"`
	StartStack        *float64 `json:"start_stack,omitempty"`
	EndStack          *float64 `json:"end_stack,omitempty"`
	Winnings          *float64 `json:"winnings,omitempty"`
	VPIPPercent       *float64 `json:"vpip_percent,omitempty"`
	PFRPercent        *float64 `json:"pfr_percent,omitempty"`
	AggressionPercent *float64 `json:"aggression_percent,omitempty"`
	ShowdownPercent   *float64 `json:"showdown_percent,omitempty"`
	SittingOut        bool     `json:"sitting_out"`
	IsWinner          bool     `json:"is_winner"`
	EliminationRank   int      `json:"elimination_rank"`
}

// Event is a single action within a hand, keyed by (hand_id, event_order).
type Event struct {
	HandID        string   `json:"hand_id"`
	EventOrder    int      `json:"event_order"`
	EventType     string   `json:"event_type"`
	PlayerNum     *int     `json:"player_num,omitempty"`
	Amount        *float64 `json:"amount,omitempty"`
	Pot           *float64 `json:"pot,omitempty"`
	BoardNum      *int     `json:"board_num,omitempty"`
	NumCardsDrawn *int     `json:"num_cards_drawn,omitempty"`
	BoardCards    string   `json:"board_cards,omitempty"`
	DateTimeUTC   *time.Time `json:"date_time_utc,omitempty"`
}

// NormalisedData is the full multi-table record set produced from one file.
type NormalisedData struct {
	Session     Session
	Hands       []Hand
	Players     []Player
	HandPlayers []HandPlayer
	Events      []Event
}

// Stats returns row counts per table, used for logging and health reporting.
func (d NormalisedData) Stats() map[string]int {
	return map[string]int{
		"hands":        len(d.Hands),
		"players":      len(d.Players),
		"hand_players": len(d.HandPlayers),
		"events":       len(d.Events),
	}
}

// RecordKind distinguishes which variant a ParseResult carries.
type RecordKind string

const (
	KindAggregated RecordKind = "aggregated"
	KindNormalised RecordKind = "normalised"
)

// ParseResult is the Parser's output: exactly one of Aggregated or Normalised
// is set, matching Kind.
type ParseResult struct {
	Kind       RecordKind
	Aggregated *AggregatedRecord
	Normalised *NormalisedData
}

// QueueItem is a row in the OfflineQueue's pending table.
type QueueItem struct {
	ID         int64
	RecordJSON []byte
	ProducerID string
	FilePath   string
	RetryCount int
	CreatedAt  time.Time
	LastError  string
}

// DeadLetterItem is a terminal row that exceeded its retry ceiling.
type DeadLetterItem struct {
	ID          int64
	RecordJSON  []byte
	ProducerID  string
	FilePath    string
	RetryCount  int
	ErrorReason string
	CreatedAt   time.Time
}
