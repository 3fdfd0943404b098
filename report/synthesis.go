package report

import (
	"context"
	"fmt"

	"github.com/BaSui01/reportflow/pipeline"
)

// The synthesizers generate whatever outputs the completed stages still
// allow when the run ends in partial success. Each depends only on its own
// stage's data and reports its own failure.

type jsonSynthesizer struct {
	formatter Formatter
}

func (s *jsonSynthesizer) Name() string { return "json_output" }

func (s *jsonSynthesizer) Synthesize(ctx context.Context, execCtx pipeline.Context) (any, error) {
	normalized, _ := stageResult(execCtx, "schema_normalization")["normalized_data"].(map[string]any)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("no normalized data available")
	}
	fileName := fmt.Sprintf("partial_analysis_%s.json", ctxString(execCtx, "execution_id", "unknown"))
	path, _, err := s.formatter.SerializeJSON(normalized, fileName)
	if err != nil {
		return nil, err
	}
	return path, nil
}

type csvSynthesizer struct {
	formatter Formatter
}

func (s *csvSynthesizer) Name() string { return "csv_outputs" }

func (s *csvSynthesizer) Synthesize(ctx context.Context, execCtx pipeline.Context) (any, error) {
	calculated, _ := stageResult(execCtx, "financial_calculations")["calculated_metrics"].(map[string]any)
	if len(calculated) == 0 {
		return nil, fmt.Errorf("no calculated metrics available")
	}
	return s.formatter.ExportCSV(financialTables(calculated))
}

type bibtexSynthesizer struct {
	formatter Formatter
}

func (s *bibtexSynthesizer) Name() string { return "bibtex_output" }

func (s *bibtexSynthesizer) Synthesize(ctx context.Context, execCtx pipeline.Context) (any, error) {
	data, _ := stageResult(execCtx, "data_extraction")["extracted_data"].(*ExtractedData)
	if data == nil || len(data.Citations) == 0 {
		return nil, fmt.Errorf("no source citations available")
	}
	path, _, err := s.formatter.GenerateBibTeX(data.Citations)
	if err != nil {
		return nil, err
	}
	return path, nil
}
