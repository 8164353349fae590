package datarecording

import (
	"os"
	"strings"
	"time"
)

// ExecTable is the table that holds the execution information of the process
// that produced a database.
const ExecTable = "exec_info"

const execTimeFormat = "2006-01-02 15:04:05.000000000"

// ExecInfo is one property of a recorded execution.
type ExecInfo struct {
	Property string
	Value    string
}

// Records program execution
type execRecorder struct {
	tablename string
	recorder  DataRecorder
	entries   []ExecInfo
}

// Start log current execution.
func (e *execRecorder) Start() {
	startTime := time.Now().Format(execTimeFormat)
	e.entries = append(e.entries, ExecInfo{"Start Time", startTime})

	cmd := strings.Join(os.Args, " ")
	e.entries = append(e.entries, ExecInfo{"Command", cmd})

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	e.entries = append(e.entries, ExecInfo{"Working Directory", cwd})
}

// End writes data into SQLite along with program exit time.
func (e *execRecorder) End() {
	for _, entry := range e.entries {
		e.recorder.InsertData(e.tablename, entry)
	}

	endTime := time.Now().Format(execTimeFormat)
	e.recorder.InsertData(e.tablename, ExecInfo{"End Time", endTime})

	e.entries = nil

	e.recorder.Flush()
}

// newExecRecorderWithWriter creates a new ExecRecorder with given writer
func newExecRecorderWithWriter(writer *SQLiteWriter) *execRecorder {
	e := &execRecorder{
		tablename: ExecTable,
		recorder:  writer,
		entries:   []ExecInfo{},
	}

	e.recorder.CreateTable(e.tablename, ExecInfo{})

	return e
}
