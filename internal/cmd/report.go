package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2/maybe"
	"github.com/netlab/dhcpsim/internal/flood"
)

// runReport is the JSON report of a flood run.
type runReport struct {
	RunID     string         `json:"run_id"`
	Mode      string         `json:"mode"`
	Interface string         `json:"interface"`
	Server    string         `json:"server,omitempty"`
	Network   string         `json:"network,omitempty"`
	Elapsed   string         `json:"elapsed"`
	Workers   []workerReport `json:"workers"`
	AvgRate   float64        `json:"avg_pps"`
	Sent      uint64         `json:"sent"`
	Failed    uint64         `json:"failed"`
}

// workerReport is the part of [runReport] describing a single worker.
type workerReport struct {
	ID     int    `json:"id"`
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// newRunReport returns the report of a run in mode.  rep must not be nil.
func newRunReport(mode string, opts *options, rep *flood.Report) (r *runReport) {
	r = &runReport{
		RunID:     rep.RunID.String(),
		Mode:      mode,
		Interface: opts.iface,
		Elapsed:   rep.Elapsed.Round(time.Millisecond).String(),
		Workers:   make([]workerReport, 0, len(rep.Workers)),
		AvgRate:   averageRate(rep),
		Sent:      rep.Sent,
		Failed:    rep.Failed,
	}

	if opts.server.IsValid() {
		r.Server = opts.server.String()
	}

	if opts.network.IsValid() {
		r.Network = opts.network.String()
	}

	for _, w := range rep.Workers {
		r.Workers = append(r.Workers, workerReport{
			ID:     w.ID,
			Sent:   w.Sent,
			Failed: w.Failed,
		})
	}

	return r
}

// writeReport atomically writes r to the file at path.
func writeReport(path string, r *runReport) (err error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	data = append(data, '\n')

	err = maybe.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}
