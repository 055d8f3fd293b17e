// Package persistence writes one gzipped JSON file per finalized attempt
// into a date-partitioned directory tree. The layout matches what the
// longitudinal ingestion pipeline expects:
//
//	<datadir>/interop/2024/03/01/interop-handshake-<ts>.<uuid>.json.gz
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/charmbracelet/log"

	"github.com/quic-interop/satrunner/pkg/interop/model"
)

// DataFile is the file where one attempt record is saved.
type DataFile struct {
	// Path is the full path of the written file.
	Path string

	writer *gzip.Writer
	fp     *os.File
}

func newDataFile(datadir, datatype, testcase, uuid string, ts time.Time) (*DataFile, error) {
	dir := path.Join(datadir, datatype, ts.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+testcase+"-"+
		ts.Format("20060102T150405.000000000Z")+"."+uuid+".json.gz")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &DataFile{
		Path:   filepath,
		writer: writer,
		fp:     fp,
	}, nil
}

// Write writes a JSON representation of result to this file.
func (df *DataFile) Write(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = df.writer.Write(data)
	return err
}

// Close closes the gzip writer and the file.
func (df *DataFile) Close() error {
	err := df.writer.Close()
	if err != nil {
		df.fp.Close()
		return err
	}
	return df.fp.Close()
}

// Archive persists finalized attempts under a data directory.
type Archive struct {
	Datadir string
}

// WriteRecord saves one attempt record and returns the path it was written
// to.
func (a *Archive) WriteRecord(rec model.RunRecord) (string, error) {
	start := rec.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	datatype := rec.Category
	if datatype == "" {
		datatype = "interop"
	}
	df, err := newDataFile(a.Datadir, datatype, rec.TestCase, rec.UUID, start.UTC())
	if err != nil {
		return "", fmt.Errorf("creating data file: %w", err)
	}
	if err := df.Write(rec); err != nil {
		df.Close()
		return "", fmt.Errorf("writing data file: %w", err)
	}
	if err := df.Close(); err != nil {
		return "", fmt.Errorf("closing data file: %w", err)
	}
	return df.Path, nil
}

// Record implements the scheduler's recorder hook. Archival is best effort.
func (a *Archive) Record(rec model.RunRecord) {
	if _, err := a.WriteRecord(rec); err != nil {
		log.Error("archiving attempt to disk failed", "uuid", rec.UUID, "err", err)
	}
}
