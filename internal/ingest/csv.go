// Package ingest reads raw source files into generic records for the
// normalizer. It handles only file structure (headers, delimiters,
// encoding); field semantics belong to the mapping spec.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	apperrors "recon-core/pkg/errors"
	"recon-core/pkg/logger"
)

// Record is one raw row keyed by normalized header name.
type Record map[string]string

// Config holds CSV structure settings for one source file.
type Config struct {
	Delimiter        rune `json:"delimiter"`
	TrimLeadingSpace bool `json:"trimLeadingSpace"`
	SkipEmptyRows    bool `json:"skipEmptyRows"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Delimiter:        ',',
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
	}
}

// Reader streams records out of one CSV file.
type Reader struct {
	config *Config
	log    logger.Logger
}

// NewReader creates a Reader with the given configuration.
func NewReader(config *Config) *Reader {
	if config == nil {
		config = DefaultConfig()
	}

	return &Reader{
		config: config,
		log:    logger.WithComponent("ingest"),
	}
}

// ReadFile reads all records from a CSV file. The first row is the header;
// header names are trimmed and lowercased so mapping specs are
// case-insensitive.
func (r *Reader) ReadFile(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.IngestError(apperrors.CodeFileNotFound, path, err)
		}
		return nil, apperrors.IngestError(apperrors.CodeInvalidFormat, path, err)
	}
	defer file.Close()

	records, err := r.Read(file)
	if err != nil {
		if engineErr, ok := apperrors.AsEngineError(err); ok {
			return nil, engineErr.WithContext("file_path", path)
		}
		return nil, err
	}

	r.log.WithFields(logger.Fields{
		"file":    path,
		"records": len(records),
	}).Debug("read source file")

	return records, nil
}

// Read reads all records from an open CSV stream.
func (r *Reader) Read(src io.Reader) ([]Record, error) {
	reader := csv.NewReader(src)
	reader.Comma = r.config.Delimiter
	reader.TrimLeadingSpace = r.config.TrimLeadingSpace
	// Sources disagree on trailing columns; tolerate ragged rows and let
	// the normalizer reject rows missing required fields.
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, apperrors.IngestError(apperrors.CodeMissingHeader, "", nil)
	}
	if err != nil {
		return nil, apperrors.IngestError(apperrors.CodeInvalidFormat, "", err)
	}

	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = NormalizeHeader(name)
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.IngestError(apperrors.CodeInvalidFormat, "", err)
		}

		if r.config.SkipEmptyRows && isEmptyRow(row) {
			continue
		}

		record := make(Record, len(columns))
		for i, value := range row {
			if i >= len(columns) {
				break
			}
			record[columns[i]] = strings.TrimSpace(value)
		}
		records = append(records, record)
	}

	return records, nil
}

// NormalizeHeader lowercases and trims a header cell, stripping a UTF-8
// BOM if the file carries one.
func NormalizeHeader(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.ToLower(strings.TrimSpace(name))
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
