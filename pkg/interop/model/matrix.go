package model

import (
	"time"

	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// Cell is one entry of the result matrix: the final verdict of a (client,
// server, test case) triple, plus the statistical summary and raw samples
// for measurement cases.
type Cell struct {
	Client   string
	Server   string
	TestCase string

	Verdict spec.Verdict
	Error   spec.ErrorCode

	// Attempts counts how many times the triple was executed, including
	// infra-error retries and measurement repetitions.
	Attempts int

	Summary *StatSummary
	Samples []MeasurementSample
}

// ResultMatrix maps every (client, server, test case) triple to its final
// verdict. Cell slots are pre-allocated so that concurrent workers each
// write to a distinct index without contention; no lock is needed as long as
// every triple is dispatched exactly once.
type ResultMatrix struct {
	StartTime time.Time
	EndTime   time.Time

	Clients []string
	Servers []string
	Tests   []TestCase

	cells []Cell
}

// NewResultMatrix allocates a matrix with one slot per triple. Every cell
// starts out as not-run so that an aborted matrix run never leaves a cell
// silently missing.
func NewResultMatrix(clients, servers []string, tests []TestCase) *ResultMatrix {
	m := &ResultMatrix{
		Clients: clients,
		Servers: servers,
		Tests:   tests,
		cells:   make([]Cell, len(clients)*len(servers)*len(tests)),
	}
	for ci, c := range clients {
		for si, s := range servers {
			for ti, tc := range tests {
				cell := &m.cells[m.index(ci, si, ti)]
				cell.Client = c
				cell.Server = s
				cell.TestCase = tc.ID
				cell.Verdict = spec.VerdictNotRun
			}
		}
	}
	return m
}

func (m *ResultMatrix) index(ci, si, ti int) int {
	return (ci*len(m.Servers)+si)*len(m.Tests) + ti
}

// CellAt returns the cell slot for the triple at the given indices. The
// returned pointer is owned by exactly one worker for the duration of the
// matrix run.
func (m *ResultMatrix) CellAt(ci, si, ti int) *Cell {
	return &m.cells[m.index(ci, si, ti)]
}

// Cell looks a cell up by names. It returns nil if the triple is not part of
// this matrix.
func (m *ResultMatrix) Cell(client, server, testCase string) *Cell {
	ci := indexOf(m.Clients, client)
	si := indexOf(m.Servers, server)
	ti := -1
	for i, tc := range m.Tests {
		if tc.ID == testCase {
			ti = i
			break
		}
	}
	if ci < 0 || si < 0 || ti < 0 {
		return nil
	}
	return m.CellAt(ci, si, ti)
}

// Cells returns all cells in deterministic (client, server, test) order.
func (m *ResultMatrix) Cells() []Cell {
	out := make([]Cell, len(m.cells))
	copy(out, m.cells)
	return out
}

// Clean reports whether every cell resolved to a definitive verdict. A false
// return maps to a non-zero process exit code.
func (m *ResultMatrix) Clean() bool {
	for i := range m.cells {
		if !m.cells[i].Verdict.Definitive() {
			return false
		}
	}
	return true
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
