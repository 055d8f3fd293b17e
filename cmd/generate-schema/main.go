package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/quic-interop/satrunner/pkg/interop/model"

	"cloud.google.com/go/bigquery"
)

var runSchema string

func init() {
	flag.StringVar(&runSchema, "runs", "/var/spool/datatypes/runs.json", "filename to write run record schema")
}

func main() {
	flag.Parse()
	// Generate and save the run record schema for autoloading.
	rec := model.RunRecord{}
	sch, err := bigquery.InferSchema(rec)
	rtx.Must(err, "failed to generate run record schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal run record schema")
	err = os.WriteFile(runSchema, b, 0o644)
	rtx.Must(err, "failed to write run record schema")
}
