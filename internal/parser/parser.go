// Package parser decodes a producer's JSON file into either an aggregated
// row or a normalised record set, resolving PokerGFX's duck-typed field
// shapes (PascalCase, snake_case, camelCase, nested "session.*") through
// static, ordered lookup tables rather than reflection.
package parser

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gfxsync/agent/internal/model"
)

// ErrorKind is the closed set of parse failure kinds visible at the core's
// boundary, carried as strings rather than typed errors.
type ErrorKind string

const (
	ErrFileNotFound ErrorKind = "file_not_found"
	ErrDecode       ErrorKind = "decode_error"
	ErrEncoding     ErrorKind = "encoding_error"
	ErrSchema       ErrorKind = "schema_error"
	ErrInternal     ErrorKind = "internal"
)

// ParseError carries a Kind alongside a human-readable detail.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Detail) }

var gameIDPattern = regexp.MustCompile(`GameID=(\d+)`)

// tableTypeMapping normalises a raw table-type string (case-insensitive) to
// the closed TableType enum.
var tableTypeMapping = map[string]model.TableType{
	"feature_table": model.TableFeature,
	"feature":       model.TableFeature,
	"main_table":    model.TableMain,
	"main":          model.TableMain,
	"final_table":   model.TableFinal,
	"final":         model.TableFinal,
	"side_table":    model.TableSide,
	"side":          model.TableSide,
}

// eventTypeMapping maps raw event-type labels with embedded spaces to their
// underscored wire form; anything else passes through unchanged.
var eventTypeMapping = map[string]string{
	"ALL IN":     "ALL_IN",
	"BOARD CARD": "BOARD_CARD",
}

// durationPattern matches the ISO-8601 duration subset PT[<H>H][<M>M][<S[.f]>S].
var durationPattern = regexp.MustCompile(`^PT(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// Parser decodes producer files. It holds no mutable state and is safe for
// concurrent use.
type Parser struct {
	syncSource string
}

// New constructs a Parser. syncSource is stamped onto every aggregated
// record's sync_source discriminator field (useful when a remote table
// receives rows from more than one agent variant).
func New(syncSource string) *Parser {
	return &Parser{syncSource: syncSource}
}

// ParseAggregatedFile reads path and decodes it into the aggregated variant.
func (p *Parser) ParseAggregatedFile(path, producer string) (*model.AggregatedRecord, *ParseError) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ParseError{Kind: ErrFileNotFound, Detail: path}
		}
		return nil, &ParseError{Kind: ErrInternal, Detail: err.Error()}
	}
	return p.ParseAggregated(data, filepath.Base(path), producer)
}

// ParseAggregated decodes raw bytes into the aggregated variant.
func (p *Parser) ParseAggregated(data []byte, fileName, producer string) (*model.AggregatedRecord, *ParseError) {
	hash := FileHash(data)

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Kind: ErrDecode, Detail: err.Error()}
	}

	rec := &model.AggregatedRecord{
		FileHash:    hash,
		FileName:    fileName,
		NASPath:     fmt.Sprintf("/nas/%s/%s", producer, fileName),
		RawJSON:     doc,
		SyncSource:  p.syncSource,
		GFXPCID:     producer,
		TableType:   model.TableUnknown,
		CreatedAt:   time.Now().UTC(),
	}

	rec.SessionID = extractSessionID(doc, fileName)
	rec.TableType = extractTableType(doc)
	rec.EventTitle = lookupString(doc, eventTitleKeys)
	rec.SoftwareVersion = lookupString(doc, softwareVersionKeys)
	rec.HandCount = countHands(doc)
	rec.PlayerCount = countPlayers(doc)
	rec.Payouts = extractPayouts(doc)

	return rec, nil
}

// sessionIDKeys is the priority-ordered list of top-level/nested keys tried
// for session_id extraction before falling back to the filename regex.
var sessionIDKeys = []string{"ID", "session_id", "session.id", "id"}

func extractSessionID(doc map[string]any, fileName string) *int64 {
	for _, key := range sessionIDKeys {
		if v, ok := lookupPath(doc, key); ok {
			if n, ok := toInt64(v); ok {
				return &n
			}
		}
	}
	if m := gameIDPattern.FindStringSubmatch(fileName); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

// tableTypeKeys is the priority-ordered case variants of the table-type field.
var tableTypeKeys = []string{"TableType", "Type", "table_type", "tableType", "session.table_type", "session.type"}

func extractTableType(doc map[string]any) model.TableType {
	raw := lookupString(doc, tableTypeKeys)
	if raw == "" {
		return model.TableUnknown
	}
	if tt, ok := tableTypeMapping[strings.ToLower(raw)]; ok {
		return tt
	}
	return model.TableUnknown
}

var eventTitleKeys = []string{"EventTitle", "event_title", "eventTitle", "session.event_title"}
var softwareVersionKeys = []string{"SoftwareVersion", "software_version", "softwareVersion", "session.software_version"}

// lookupString tries each key in priority order (dotted keys walk into
// nested objects) and returns the first string value found.
func lookupString(doc map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := lookupPath(doc, key); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// lookupPath resolves a dotted key path (e.g. "session.id") against nested
// map[string]any values, case-sensitively at each segment.
func lookupPath(doc map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func countHands(doc map[string]any) int {
	for _, key := range []string{"Hands", "hands"} {
		if v, ok := doc[key]; ok {
			if arr, ok := v.([]any); ok {
				return len(arr)
			}
		}
	}
	for _, key := range []string{"hand_count", "handCount"} {
		if v, ok := doc[key]; ok {
			if n, ok := toInt64(v); ok {
				return int(n)
			}
		}
	}
	return 0
}

func countPlayers(doc map[string]any) int {
	seen := make(map[string]bool)
	for _, handsKey := range []string{"Hands", "hands"} {
		arr, ok := doc[handsKey].([]any)
		if !ok {
			continue
		}
		for _, h := range arr {
			hand, ok := h.(map[string]any)
			if !ok {
				continue
			}
			players, ok := hand["Players"].([]any)
			if !ok {
				continue
			}
			for i, pl := range players {
				player, ok := pl.(map[string]any)
				if !ok {
					continue
				}
				name, _ := player["Name"].(string)
				if name == "" {
					if num, ok := player["PlayerNum"]; ok {
						name = fmt.Sprintf("player_%v", num)
					} else {
						name = fmt.Sprintf("player_%d", i)
					}
				}
				seen[name] = true
			}
		}
	}
	return len(seen)
}

func extractPayouts(doc map[string]any) []int64 {
	for _, key := range []string{"Payouts", "payouts"} {
		if v, ok := doc[key].([]any); ok {
			out := make([]int64, 0, len(v))
			for _, item := range v {
				if n, ok := toInt64(item); ok {
					out = append(out, n)
				}
			}
			return out
		}
	}
	return nil
}

// FileHash returns the SHA-256 digest of data, hex encoded.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PlayerHash returns the MD5-based dedup key for a player within a file.
func PlayerHash(name, longName string) string {
	sum := md5.Sum([]byte(name + ":" + longName))
	return hex.EncodeToString(sum[:])
}

// ParseISODuration parses the subset PT[<H>H][<M>M][<S[.f]>S] and returns
// whole seconds, truncating any fractional component.
func ParseISODuration(duration string) int64 {
	if duration == "" {
		return 0
	}
	m := durationPattern.FindStringSubmatch(duration)
	if m == nil {
		return 0
	}
	hours, _ := strconv.ParseFloat(orZero(m[1]), 64)
	minutes, _ := strconv.ParseFloat(orZero(m[2]), 64)
	seconds, _ := strconv.ParseFloat(orZero(m[3]), 64)
	return int64(hours*3600 + minutes*60 + seconds)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// ParseNormalisedFile reads path and decodes it into the normalised variant.
func (p *Parser) ParseNormalisedFile(path, producer string) (*model.NormalisedData, *ParseError) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ParseError{Kind: ErrFileNotFound, Detail: path}
		}
		return nil, &ParseError{Kind: ErrInternal, Detail: err.Error()}
	}
	return p.ParseNormalised(data, filepath.Base(path), producer)
}

// ParseNormalised decodes raw bytes into the five-table normalised variant,
// deduplicating players by PlayerHash across the whole file.
func (p *Parser) ParseNormalised(data []byte, fileName, producer string) (*model.NormalisedData, *ParseError) {
	hash := FileHash(data)

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Kind: ErrDecode, Detail: err.Error()}
	}

	sessionID := extractSessionID(doc, fileName)
	var sid int64
	if sessionID != nil {
		sid = *sessionID
	}

	session := model.Session{
		SessionID:       sid,
		FileHash:        hash,
		FileName:        fileName,
		GFXPCID:         producer,
		TableType:       extractTableType(doc),
		EventTitle:      lookupString(doc, eventTitleKeys),
		SoftwareVersion: lookupString(doc, softwareVersionKeys),
	}

	playerCache := make(map[string]model.Player)
	var hands []model.Hand
	var handPlayers []model.HandPlayer
	var events []model.Event

	handsArr, _ := doc["Hands"].([]any)
	for _, h := range handsArr {
		handData, ok := h.(map[string]any)
		if !ok {
			continue
		}
		hand := transformHand(handData, sid)
		hands = append(hands, hand)

		playersArr, _ := handData["Players"].([]any)
		for _, pl := range playersArr {
			playerData, ok := pl.(map[string]any)
			if !ok {
				continue
			}
			name, _ := playerData["Name"].(string)
			longName, _ := playerData["LongName"].(string)
			phash := PlayerHash(name, longName)

			player, exists := playerCache[phash]
			if !exists {
				player = model.Player{
					ID:         uuid.NewString(),
					Name:       name,
					LongName:   longName,
					PlayerHash: phash,
				}
				playerCache[phash] = player
			}

			handPlayers = append(handPlayers, transformHandPlayer(playerData, hand.ID, player.ID))
		}

		eventsArr, _ := handData["Events"].([]any)
		for idx, ev := range eventsArr {
			eventData, ok := ev.(map[string]any)
			if !ok {
				continue
			}
			events = append(events, transformEvent(eventData, hand.ID, idx))
		}
	}

	players := make([]model.Player, 0, len(playerCache))
	for _, pl := range playerCache {
		players = append(players, pl)
	}

	return &model.NormalisedData{
		Session:     session,
		Hands:       hands,
		Players:     players,
		HandPlayers: handPlayers,
		Events:      events,
	}, nil
}

func transformHand(data map[string]any, sessionID int64) model.Hand {
	blinds, _ := data["FlopDrawBlinds"].(map[string]any)
	small := floatPtr(blinds, "SmallBlindAmt")
	big := floatPtr(blinds, "BigBlindAmt")
	ante := floatPtrTop(data, "AnteAmt")

	blindsJSON := map[string]any{
		"small_blind_amt": small,
		"big_blind_amt":   big,
		"ante":            ante,
	}

	playersArr, _ := data["Players"].([]any)
	eventsArr, _ := data["Events"].([]any)

	return model.Hand{
		ID:                     uuid.NewString(),
		SessionID:              sessionID,
		HandNum:                intOr(data, "HandNum", 0),
		GameVariant:            stringOr(data, "GameVariant", "HOLDEM"),
		GameClass:              stringOr(data, "GameClass", "FLOP"),
		BetStructure:           stringOr(data, "BetStructure", "NOLIMIT"),
		DurationSeconds:        ParseISODuration(stringOr(data, "Duration", "")),
		StartDateTimeUTC:       parseDateTime(stringOr(data, "StartDateTimeUTC", "")),
		RecordingOffsetSeconds: ParseISODuration(stringOr(data, "RecordingOffsetStart", "")),
		SmallBlind:             small,
		BigBlind:               big,
		Ante:                   ante,
		Blinds:                 blindsJSON,
		NumBoards:              intOr(data, "NumBoards", 1),
		RunItNumTimes:          intOr(data, "RunItNumTimes", 1),
		PlayerCount:            len(playersArr),
		EventCount:             len(eventsArr),
	}
}

func transformHandPlayer(data map[string]any, handID, playerID string) model.HandPlayer {
	holeCards := parseHoleCards(data["HoleCards"])
	return model.HandPlayer{
		HandID:            handID,
		PlayerID:          playerID,
		SeatNum:           intOr(data, "PlayerNum", 0),
		HoleCards:         holeCards,
		HasShown:          len(holeCards) > 0,
		StartStack:        floatPtrTop(data, "StartStack"),
		EndStack:          floatPtrTop(data, "EndStack"),
		Winnings:          floatPtrTop(data, "Winnings"),
		VPIPPercent:       floatPtrTop(data, "VPIPPercent"),
		PFRPercent:        floatPtrTop(data, "PFRPercent"),
		AggressionPercent: floatPtrTop(data, "AggressionPercent"),
		ShowdownPercent:   floatPtrTop(data, "ShowdownPercent"),
		SittingOut:        boolOr(data, "SittingOut", false),
		IsWinner:          boolOr(data, "IsWinner", false),
		EliminationRank:   intOr(data, "EliminationRank", -1),
	}
}

func transformEvent(data map[string]any, handID string, order int) model.Event {
	rawType := stringOr(data, "EventType", "UNKNOWN")
	eventType := rawType
	if mapped, ok := eventTypeMapping[rawType]; ok {
		eventType = mapped
	}

	return model.Event{
		HandID:        handID,
		EventOrder:    order,
		EventType:     eventType,
		PlayerNum:     intPtrTop(data, "PlayerNum"),
		Amount:        floatPtrTop(data, "BetAmt"),
		Pot:           floatPtrTop(data, "Pot"),
		BoardNum:      intPtrTop(data, "BoardNum"),
		NumCardsDrawn: intPtrTop(data, "NumCardsDrawn"),
		BoardCards:    parseBoardCards(data["BoardCards"]),
		DateTimeUTC:   parseDateTime(stringOr(data, "DateTimeUTC", "")),
	}
}

func parseHoleCards(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Fields(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, strings.Fields(s)...)
			}
		}
	}
	var out []string
	for _, c := range raw {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// parseBoardCards stores a single card string: the first element when an
// array is present, or the string verbatim.
func parseBoardCards(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func parseDateTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	if strings.HasSuffix(value, "Z") {
		value = strings.TrimSuffix(value, "Z") + "+00:00"
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}

func stringOr(data map[string]any, key, def string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intOr(data map[string]any, key string, def int) int {
	if v, ok := data[key]; ok {
		if n, ok := toInt64(v); ok {
			return int(n)
		}
	}
	return def
}

func boolOr(data map[string]any, key string, def bool) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return def
}

func intPtrTop(data map[string]any, key string) *int {
	if v, ok := data[key]; ok {
		if n, ok := toInt64(v); ok {
			i := int(n)
			return &i
		}
	}
	return nil
}

func floatPtrTop(data map[string]any, key string) *float64 {
	if v, ok := data[key]; ok {
		if f, ok := toFloat64(v); ok {
			return &f
		}
	}
	return nil
}

func floatPtr(data map[string]any, key string) *float64 {
	if data == nil {
		return nil
	}
	return floatPtrTop(data, key)
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
