package web

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/sweeney/gate-controller/internal/gate"
)

// GateJSON is the body of GET /gate and successful POST /gate.
type GateJSON struct {
	State       string     `json:"state"`
	LockedState *string    `json:"locked_state"`
	StateLocks  []LockJSON `json:"state_locks"`
	LockID      string     `json:"lock_id,omitempty"`
}

// LockJSON is one active hold. Lock ids are only revealed at creation.
type LockJSON struct {
	Expires string `json:"expires"`
}

// ErrorJSON is the body of every non-2xx API response.
type ErrorJSON struct {
	Error string `json:"error"`
}

func formatGate(snap gate.Snapshot, lockID string) GateJSON {
	g := GateJSON{
		State:      string(snap.State),
		StateLocks: make([]LockJSON, 0, len(snap.Holds)),
		LockID:     lockID,
	}
	if snap.LockedState != "" {
		locked := string(snap.LockedState)
		g.LockedState = &locked
	}
	for _, h := range snap.Holds {
		g.StateLocks = append(g.StateLocks, LockJSON{Expires: h.Expires.UTC().Format(time.RFC3339)})
	}
	return g
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("web: encode response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorJSON{Error: msg})
}
