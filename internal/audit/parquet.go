package audit

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

type parquetRecord struct {
	EventID          int64  `parquet:"event_id"`
	AccountID        string `parquet:"account_id"`
	PatientID        string `parquet:"patient_id"`
	SessionID        string `parquet:"session_id"`
	TraceID          string `parquet:"trace_id"`
	Statement        string `parquet:"statement"`
	Intent           string `parquet:"intent"`
	RowCount         int64  `parquet:"row_count"`
	DurationMs       int64  `parquet:"duration_ms"`
	OccurredAtUnixMs int64  `parquet:"occurred_at_unix_ms"`
}

// EncodeRecordsToParquet renders records into a single parquet payload
// in input order.
func EncodeRecordsToParquet(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}

	rows := make([]parquetRecord, 0, len(records))
	for _, record := range records {
		eventID, err := strconv.ParseInt(record.EventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", record.EventID, err)
		}
		rows = append(rows, parquetRecord{
			EventID:          eventID,
			AccountID:        record.AccountID,
			PatientID:        record.PatientID,
			SessionID:        record.SessionID,
			TraceID:          record.TraceID,
			Statement:        record.Statement,
			Intent:           record.Intent,
			RowCount:         record.RowCount,
			DurationMs:       record.Duration.Milliseconds(),
			OccurredAtUnixMs: record.OccurredAt.UTC().UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
