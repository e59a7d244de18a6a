package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/technosupport/ts-protect-backup/internal/units"
)

type statusResponse struct {
	Instance  string    `json:"instance"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`

	NVR struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Timezone string `json:"timezone"`
	} `json:"nvr"`

	Queue struct {
		Live    int `json:"live"`
		Backlog int `json:"backlog"`
	} `json:"queue"`

	Buffer struct {
		Used     string `json:"used"`
		Capacity string `json:"capacity"`
	} `json:"buffer"`

	InFlight   []string `json:"in_flight"`
	LedgerRows int64    `json:"ledger_rows"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Instance = s.cfg.Instance.String()
	resp.Version = s.cfg.Version
	resp.StartedAt = s.started
	resp.Uptime = s.cfg.Clock.Since(s.started).Round(time.Second).String()

	resp.NVR.Name = s.cfg.NVR.Name
	resp.NVR.Version = s.cfg.NVR.Version
	resp.NVR.Timezone = s.cfg.NVR.Timezone

	resp.Queue.Live, resp.Queue.Backlog = s.cfg.Queue.Depths()
	resp.Buffer.Used = units.FormatBytes(s.cfg.Budget.Used())
	resp.Buffer.Capacity = units.FormatBytes(s.cfg.Budget.Capacity())

	resp.InFlight = s.cfg.Tracker.Snapshot()
	sort.Strings(resp.InFlight)

	rows, err := s.cfg.Ledger.Count(r.Context())
	if err != nil {
		s.cfg.Log.Warn("counting ledger rows failed", "error", err)
		rows = -1
	}
	resp.LedgerRows = rows

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
