// Package replication implements the HTTP replication protocol primaries
// serve and replicas pull from: a hello handshake exposing the current
// generation, and a paginated frame stream from an arbitrary offset.
package replication

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/jfoltran/hranad/internal/dbid"
	"github.com/jfoltran/hranad/internal/frame"
)

// maxFramesPerResponse caps how many frames a single /v1/replication/frames
// call returns, bounding both response size and per-request memory.
const maxFramesPerResponse = 256

// Hello is returned by GET /v1/replication/hello, identifying the
// primary's current generation so a replica can detect it has fallen off
// the log (generation_id changed) and must resync from a snapshot.
type Hello struct {
	GenerationID         uuid.UUID       `json:"generation_id"`
	GenerationStartIndex uint64          `json:"generation_start_index"`
	DatabaseID           dbid.DatabaseID `json:"database_id"`
}

// FramesRequest is the body of POST /v1/replication/frames.
type FramesRequest struct {
	NextOffset uint64 `json:"next_offset"`
}

// FramesResponse carries zero or more frames read starting at NextOffset.
type FramesResponse struct {
	Frames []frame.Frame `json:"frames"`
}

// PrimaryState is what Server needs from the allocation actor owning the
// primary's log: the current generation and access to the log itself.
type PrimaryState struct {
	GenerationID         uuid.UUID
	GenerationStartIndex uint64
	DatabaseID           dbid.DatabaseID
	Log                  *frame.Log
	SnapshotDir          string
}

// Server serves the replication endpoints for one allocation. Resolve is
// called per-request so the handler always sees the allocation's current
// state even across a primary restart.
type Server struct {
	Resolve func(r *http.Request) (PrimaryState, bool)
}

// HandleHello implements GET /v1/replication/hello.
func (s *Server) HandleHello(w http.ResponseWriter, r *http.Request) {
	state, ok := s.Resolve(r)
	if !ok {
		http.Error(w, "unknown database", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, Hello{
		GenerationID:         state.GenerationID,
		GenerationStartIndex: state.GenerationStartIndex,
		DatabaseID:           state.DatabaseID,
	})
}

// HandleFrames implements POST /v1/replication/frames.
func (s *Server) HandleFrames(w http.ResponseWriter, r *http.Request) {
	state, ok := s.Resolve(r)
	if !ok {
		http.Error(w, "unknown database", http.StatusNotFound)
		return
	}

	var req FramesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	nextOffset := req.NextOffset
	if nextOffset < 1 {
		nextOffset = 1
	}

	frames, err := state.Log.StreamFrom(nextOffset)
	switch {
	case err == frame.ErrSnapshotRequired:
		frames, err = framesFromSnapshot(state.SnapshotDir, nextOffset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(frames) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(frames) > maxFramesPerResponse {
		frames = frames[:maxFramesPerResponse]
	}

	writeJSON(w, http.StatusOK, FramesResponse{Frames: frames})
}

func framesFromSnapshot(dir string, from uint64) ([]frame.Frame, error) {
	snap, err := frame.LatestSnapshot(dir, from)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	all, err := snap.Frames()
	if err != nil {
		return nil, err
	}
	for i, f := range all {
		if f.FrameNo >= from {
			return all[i:], nil
		}
	}
	return nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
