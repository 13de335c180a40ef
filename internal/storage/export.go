package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// DefaultExportPrefix is where job result files are written.
const DefaultExportPrefix = "outputs/bulk"

// Exporter writes a finished job's results as a JSON document and a CSV
// file next to each other.
type Exporter struct {
	store  ObjectStore
	prefix string
	log    *logger.Logger
}

// NewExporter creates an exporter writing under prefix.
func NewExporter(store ObjectStore, prefix string) *Exporter {
	if prefix == "" {
		prefix = DefaultExportPrefix
	}
	return &Exporter{store: store, prefix: prefix, log: logger.New("exporter")}
}

// Keys returns the JSON and CSV object keys of a job.
func (e *Exporter) Keys(jobID string) (jsonKey, csvKey string) {
	base := path.Join(e.prefix, jobID)
	return base + ".json", base + ".csv"
}

// exportRow is one address in the JSON export.
type exportRow struct {
	Index  int              `json:"index"`
	Email  string           `json:"email"`
	State  domain.TaskState `json:"state"`
	Result *domain.Result   `json:"result,omitempty"`
}

type exportDoc struct {
	Job        domain.Job  `json:"job"`
	ExportedAt time.Time   `json:"exported_at"`
	Results    []exportRow `json:"results"`
}

// Export writes both files concurrently.
func (e *Exporter) Export(ctx context.Context, job domain.Job, tasks []domain.AddressTask) error {
	jsonKey, csvKey := e.Keys(job.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := encodeJSON(job, tasks)
		if err != nil {
			return err
		}
		return e.store.Put(gctx, jsonKey, body, "application/json")
	})
	g.Go(func() error {
		body, err := encodeCSV(tasks)
		if err != nil {
			return err
		}
		return e.store.Put(gctx, csvKey, body, "text/csv")
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("export job %s: %w", job.ID, err)
	}
	e.log.Info("results exported", "job_id", job.ID, "rows", len(tasks), "json", jsonKey, "csv", csvKey)
	return nil
}

func encodeJSON(job domain.Job, tasks []domain.AddressTask) ([]byte, error) {
	doc := exportDoc{Job: job, ExportedAt: time.Now().UTC(), Results: make([]exportRow, len(tasks))}
	for i, t := range tasks {
		doc.Results[i] = exportRow{Index: t.Index, Email: t.Email, State: t.State, Result: t.Result}
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling results: %w", err)
	}
	return body, nil
}

var csvHeader = []string{
	"index", "email", "state", "status", "reason", "risk_score",
	"role", "disposable", "catch_all", "suspicious", "smtp_code", "mx_host",
}

func encodeCSV(tasks []domain.AddressTask) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		row := []string{strconv.Itoa(t.Index), t.Email, string(t.State), "", "", "", "", "", "", "", "", ""}
		if r := t.Result; r != nil {
			row[3] = string(r.Status)
			row[4] = string(r.Reason)
			row[5] = strconv.Itoa(r.RiskScore)
			row[6] = strconv.FormatBool(r.Flags.Role)
			row[7] = strconv.FormatBool(r.Flags.Disposable)
			row[8] = strconv.FormatBool(r.Flags.CatchAll)
			row[9] = strconv.FormatBool(r.Flags.Suspicious)
			if r.SMTPCode != 0 {
				row[10] = strconv.Itoa(r.SMTPCode)
			}
			row[11] = r.MXHost
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
