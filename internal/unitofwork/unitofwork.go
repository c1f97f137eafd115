// Package unitofwork writes the normalised record set to the remote store
// in FK-safe order: players, then session, then hands, then hand_players,
// then events. Downstream rows reference upstream ones by the keys chosen
// in the data model, so any reversal risks a foreign-key violation at the
// remote store.
package unitofwork

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gfxsync/agent/internal/model"
	"github.com/gfxsync/agent/internal/remoteclient"
)

// Tables names the remote table for each entity in the normalised set.
type Tables struct {
	Players     string
	Sessions    string
	Hands       string
	HandPlayers string
	Events      string
}

// Result is the aggregated outcome of a SaveNormalised call.
type Result struct {
	Success bool
	Error   string
	Stats   map[string]int
}

// UnitOfWork writes a NormalisedData set through a RemoteClient.
type UnitOfWork struct {
	remote *remoteclient.Client
	tables Tables
}

// New constructs a UnitOfWork.
func New(remote *remoteclient.Client, tables Tables) *UnitOfWork {
	return &UnitOfWork{remote: remote, tables: tables}
}

// SaveNormalised writes data.Players, then Session, then Hands, then
// HandPlayers, then Events, stopping at the first failed step. It returns
// partial stats for whatever completed before the failure.
func (u *UnitOfWork) SaveNormalised(ctx context.Context, data model.NormalisedData) Result {
	stats := make(map[string]int)

	if err := u.upsertEach(ctx, u.tables.Players, "player_hash", data.Players); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("players: %v", err), Stats: stats}
	}
	stats["players"] = len(data.Players)

	if err := u.upsertOne(ctx, u.tables.Sessions, "session_id", data.Session); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("session: %v", err), Stats: stats}
	}
	stats["sessions"] = 1

	if err := u.upsertEach(ctx, u.tables.Hands, "session_id,hand_num", data.Hands); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("hands: %v", err), Stats: stats}
	}
	stats["hands"] = len(data.Hands)

	if err := u.upsertEach(ctx, u.tables.HandPlayers, "hand_id,seat_num", data.HandPlayers); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("hand_players: %v", err), Stats: stats}
	}
	stats["hand_players"] = len(data.HandPlayers)

	if err := u.upsertEach(ctx, u.tables.Events, "hand_id,event_order", data.Events); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("events: %v", err), Stats: stats}
	}
	stats["events"] = len(data.Events)

	return Result{Success: true, Stats: stats}
}

func (u *UnitOfWork) upsertOne(ctx context.Context, table, conflictKey string, record any) error {
	return u.upsertEach(ctx, table, conflictKey, []any{record})
}

func (u *UnitOfWork) upsertEach(ctx context.Context, table, conflictKey string, records any) error {
	fields, err := toFieldSlice(records)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	result := u.remote.Upsert(ctx, table, fields, conflictKey)
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// toFieldSlice marshals any slice-of-struct (or []any of structs) value into
// a []map[string]any suitable for RemoteClient.Upsert.
func toFieldSlice(v any) ([]map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
