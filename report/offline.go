package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// DryRunSuite implements every collaborator port with deterministic local
// data, so the full pipeline can run end to end without network access or
// external services. Output artifacts are written under OutputDir.
type DryRunSuite struct {
	OutputDir string
}

// NewDryRunSuite creates the suite and its output directory.
func NewDryRunSuite(outputDir string) (*DryRunSuite, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &DryRunSuite{OutputDir: outputDir}, nil
}

// GenerateQueries derives a fixed query set from the parameters.
func (d *DryRunSuite) GenerateQueries(ctx context.Context, params QueryParams) ([]string, error) {
	return []string{
		fmt.Sprintf("%s market size %s", params.Industry, params.Location),
		fmt.Sprintf("%s pricing benchmarks %s", params.PartnerType, params.Location),
		fmt.Sprintf("%s operational costs %s", params.Industry, params.Location),
		fmt.Sprintf("%s partnership revenue share models", params.Industry),
	}, nil
}

// Search fabricates one deterministic result per query.
func (d *DryRunSuite) Search(ctx context.Context, queries []string) ([]SearchResult, error) {
	results := make([]SearchResult, 0, len(queries))
	for i, q := range queries {
		results = append(results, SearchResult{
			Title:      fmt.Sprintf("Industry report: %s", q),
			URL:        fmt.Sprintf("https://research.example.com/report/%d", i+1),
			Snippet:    fmt.Sprintf("Benchmark data for %s with indicative figures.", q),
			Source:     "example_research",
			Confidence: 0.8,
		})
	}
	return results, nil
}

// Extract produces fixed benchmarks with one citation per result.
func (d *DryRunSuite) Extract(ctx context.Context, results []SearchResult) (*ExtractedData, error) {
	citations := make([]Citation, 0, len(results))
	for _, r := range results {
		citations = append(citations, Citation{
			Title:  r.Title,
			Author: "Example Research Group",
			Source: r.Source,
			URL:    r.URL,
			Year:   2026,
		})
	}
	return &ExtractedData{
		FinancialData: []map[string]any{
			{"type": "market_metric", "metric": "revenue", "value": 1_200_000_000.0},
			{"type": "market_metric", "metric": "monthly_profit", "value": 85_000_000.0},
		},
		PricingBenchmarks: map[string]any{
			"treatment_basic":   map[string]any{"min_value": 450_000.0, "max_value": 900_000.0, "currency": "IDR"},
			"treatment_premium": map[string]any{"min_value": 1_500_000.0, "max_value": 3_200_000.0, "currency": "IDR"},
		},
		MarketMetrics: map[string]any{
			"annual_growth_pct":  9.5,
			"market_penetration": 0.12,
		},
		Citations: citations,
	}, nil
}

// Calculate computes a simple but internally consistent scenario.
func (d *DryRunSuite) Calculate(ctx context.Context, params FinancialParams, data *ExtractedData) (*FinancialMetrics, error) {
	revenue := 1_200_000_000.0
	monthlyProfit := 85_000_000.0
	for _, item := range data.FinancialData {
		metric, _ := item["metric"].(string)
		value, _ := item["value"].(float64)
		switch metric {
		case "revenue":
			revenue = value
		case "monthly_profit":
			monthlyProfit = value
		}
	}

	share := revenue * params.RevenueSharePct / 100
	if share < params.MinimumRevenue {
		share = params.MinimumRevenue
	}

	breakeven := 0.0
	if monthlyProfit > 0 {
		breakeven = math.Ceil(params.CapexInvestment / monthlyProfit)
	}

	npv := -params.CapexInvestment
	for year := 1; year <= 5; year++ {
		npv += (monthlyProfit * 12) / math.Pow(1+params.DiscountRate, float64(year))
	}

	sensitivity := map[string]any{}
	for _, variance := range []float64{0.1, 0.2, 0.3} {
		sensitivity[fmt.Sprintf("revenue_minus_%.0f_pct", variance*100)] = revenue * (1 - variance)
		sensitivity[fmt.Sprintf("revenue_plus_%.0f_pct", variance*100)] = revenue * (1 + variance)
	}

	return &FinancialMetrics{
		OperationalCosts: map[string]any{
			"staff":     revenue * 0.28,
			"rent":      revenue * 0.08,
			"supplies":  revenue * 0.15,
			"marketing": revenue * 0.06,
		},
		RevenueShare: map[string]any{
			"share_pct":    params.RevenueSharePct,
			"share_amount": share,
			"minimum":      params.MinimumRevenue,
		},
		BreakevenMonths:  breakeven,
		NPV:              npv,
		SensitivityTable: sensitivity,
	}, nil
}

// Normalize passes the combined entity through with a schema version tag.
func (d *DryRunSuite) Normalize(ctx context.Context, combined map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(combined)+1)
	for k, v := range combined {
		normalized[k] = v
	}
	normalized["schema_version"] = "1.0"
	return normalized, nil
}

// GenerateTXT renders a plain-text section summary.
func (d *DryRunSuite) GenerateTXT(normalized map[string]any) (string, error) {
	var sb strings.Builder
	sb.WriteString("PARTNERSHIP ANALYSIS SUMMARY\n")
	sb.WriteString("============================\n\n")
	for _, section := range []string{"research_context", "financial_scenario"} {
		sb.WriteString(strings.ToUpper(section) + "\n")
		data, err := json.MarshalIndent(normalized[section], "", "  ")
		if err != nil {
			return "", err
		}
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// AssemblePayload nests the normalized entity under the template keys.
func (d *DryRunSuite) AssemblePayload(normalized map[string]any, txt string) (map[string]any, error) {
	return map[string]any{
		"data":         normalized,
		"convertTo":    "pdf",
		"summary_text": txt,
	}, nil
}

// RenderPDF writes the payload as a JSON document standing in for the
// rendered report.
func (d *DryRunSuite) RenderPDF(ctx context.Context, payload map[string]any) (string, int64, error) {
	path := filepath.Join(d.OutputDir, "partnership_report.pdf")
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, err
	}
	return path, int64(len(data)), nil
}

// ExportCSV writes one key/value CSV per table.
func (d *DryRunSuite) ExportCSV(tables map[string]any) ([]string, error) {
	paths := make([]string, 0, len(tables))
	for name, table := range tables {
		path := filepath.Join(d.OutputDir, name+".csv")
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}

		w := csv.NewWriter(f)
		_ = w.Write([]string{"key", "value"})
		if m, ok := table.(map[string]any); ok {
			for k, v := range m {
				_ = w.Write([]string{k, fmt.Sprint(v)})
			}
		} else {
			_ = w.Write([]string{name, fmt.Sprint(table)})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SerializeJSON writes the normalized entity to fileName.
func (d *DryRunSuite) SerializeJSON(normalized map[string]any, fileName string) (string, int64, error) {
	path := filepath.Join(d.OutputDir, fileName)
	data, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, err
	}
	return path, int64(len(data)), nil
}

// GenerateBibTeX writes one @misc entry per citation.
func (d *DryRunSuite) GenerateBibTeX(citations []Citation) (string, int64, error) {
	var sb strings.Builder
	for i, c := range citations {
		sb.WriteString(fmt.Sprintf("@misc{source%d,\n", i+1))
		sb.WriteString(fmt.Sprintf("  title  = {%s},\n", c.Title))
		sb.WriteString(fmt.Sprintf("  author = {%s},\n", c.Author))
		sb.WriteString(fmt.Sprintf("  year   = {%d},\n", c.Year))
		sb.WriteString(fmt.Sprintf("  url    = {%s},\n", c.URL))
		sb.WriteString("}\n\n")
	}

	path := filepath.Join(d.OutputDir, "bibliography.bib")
	data := []byte(sb.String())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, err
	}
	return path, int64(len(data)), nil
}

var (
	_ Researcher = (*DryRunSuite)(nil)
	_ Extractor  = (*DryRunSuite)(nil)
	_ Calculator = (*DryRunSuite)(nil)
	_ Normalizer = (*DryRunSuite)(nil)
	_ Formatter  = (*DryRunSuite)(nil)
	_ Renderer   = (*DryRunSuite)(nil)
)
