package report

import "context"

// QueryParams drives research query generation.
type QueryParams struct {
	PartnerType string
	Industry    string
	Location    string
}

// SearchResult is one research search hit.
type SearchResult struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Snippet    string  `json:"snippet"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Citation is a research source reference for the bibliography.
type Citation struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Source string `json:"source"`
	URL    string `json:"url"`
	Year   int    `json:"year"`
}

// ExtractedData is the structured output of the extraction stage.
type ExtractedData struct {
	FinancialData     []map[string]any `json:"financial_data"`
	PricingBenchmarks map[string]any   `json:"pricing_benchmarks"`
	MarketMetrics     map[string]any   `json:"market_metrics"`
	Citations         []Citation       `json:"source_citations"`
}

// Count reports how many extracted facts the stage produced.
func (d *ExtractedData) Count() int {
	if d == nil {
		return 0
	}
	return len(d.FinancialData) + len(d.PricingBenchmarks) + len(d.MarketMetrics)
}

// FinancialParams are the partnership terms the calculations run against.
type FinancialParams struct {
	RevenueSharePct float64
	MinimumRevenue  float64
	CapexInvestment float64
	DiscountRate    float64
}

// FinancialMetrics is the output of the calculation stage.
type FinancialMetrics struct {
	OperationalCosts map[string]any `json:"operational_costs"`
	RevenueShare     map[string]any `json:"revenue_share"`
	BreakevenMonths  float64        `json:"breakeven_months"`
	NPV              float64        `json:"npv"`
	SensitivityTable map[string]any `json:"sensitivity_table"`
}

// Researcher generates research queries and executes them.
type Researcher interface {
	GenerateQueries(ctx context.Context, params QueryParams) ([]string, error)
	Search(ctx context.Context, queries []string) ([]SearchResult, error)
}

// Extractor turns raw search results into structured data.
type Extractor interface {
	Extract(ctx context.Context, results []SearchResult) (*ExtractedData, error)
}

// Calculator computes the financial scenario from extracted data and
// partnership terms.
type Calculator interface {
	Calculate(ctx context.Context, params FinancialParams, data *ExtractedData) (*FinancialMetrics, error)
}

// Normalizer validates and normalizes the combined report entity against
// the report schema.
type Normalizer interface {
	Normalize(ctx context.Context, combined map[string]any) (map[string]any, error)
}

// Formatter produces the textual output artifacts.
type Formatter interface {
	// GenerateTXT renders the intermediary plain-text summary.
	GenerateTXT(normalized map[string]any) (string, error)
	// AssemblePayload builds the template-render payload from normalized
	// data and the TXT summary.
	AssemblePayload(normalized map[string]any, txt string) (map[string]any, error)
	// ExportCSV writes the financial tables and returns the file paths.
	ExportCSV(tables map[string]any) ([]string, error)
	// SerializeJSON writes the normalized entity and returns path and size.
	SerializeJSON(normalized map[string]any, fileName string) (string, int64, error)
	// GenerateBibTeX writes the bibliography and returns path and size.
	GenerateBibTeX(citations []Citation) (string, int64, error)
}

// Renderer renders the final report document.
type Renderer interface {
	// RenderPDF renders the payload and returns the file path and size.
	RenderPDF(ctx context.Context, payload map[string]any) (string, int64, error)
}
