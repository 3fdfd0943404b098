package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/reportflow/config"
	"github.com/BaSui01/reportflow/internal/metrics"
	"github.com/BaSui01/reportflow/pipeline"
	"github.com/BaSui01/reportflow/state"
)

// validIndustries is the closed set of supported industries.
var validIndustries = []string{"medical_aesthetics", "dental", "wellness", "healthcare"}

// Deps are the collaborators a Builder wires into the pipeline stages.
type Deps struct {
	Researcher Researcher
	Extractor  Extractor
	Calculator Calculator
	Normalizer Normalizer
	Formatter  Formatter
	Renderer   Renderer
	// Cache is consulted by the search and calculation stages. Nil
	// disables caching.
	Cache state.Cache
	// Collector records cache hit/miss metrics. May be nil.
	Collector *metrics.Collector
}

// Builder registers the eleven partnership-analysis stages and the
// partial-output synthesizers on a coordinator.
type Builder struct {
	deps   Deps
	ttls   config.CacheConfig
	logger *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(deps Deps, ttls config.CacheConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		deps:   deps,
		ttls:   ttls,
		logger: logger.With(zap.String("component", "report")),
	}
}

// ValidateInput checks the pipeline input parameters before execution.
func (b *Builder) ValidateInput(input pipeline.Context) error {
	var missing []string
	for _, field := range []string{"partner_name", "industry", "location"} {
		if _, ok := input[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	industry, _ := input["industry"].(string)
	valid := false
	for _, v := range validIndustries {
		if industry == v {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid industry, must be one of: %s", strings.Join(validIndustries, ", "))
	}

	if v, ok := input["revenue_share_pct"]; ok {
		pct := toFloat(v)
		if pct < 0 || pct > 100 {
			return fmt.Errorf("revenue share percentage must be between 0 and 100")
		}
	}
	if v, ok := input["capex_investment"]; ok {
		if toFloat(v) < 0 {
			return fmt.Errorf("CAPEX investment cannot be negative")
		}
	}
	return nil
}

// Attach registers all stages and synthesizers on the coordinator.
func (b *Builder) Attach(c *pipeline.Coordinator) error {
	if err := c.AddStages(b.Stages()); err != nil {
		return err
	}
	c.AddSynthesizer(&jsonSynthesizer{formatter: b.deps.Formatter})
	c.AddSynthesizer(&csvSynthesizer{formatter: b.deps.Formatter})
	c.AddSynthesizer(&bibtexSynthesizer{formatter: b.deps.Formatter})
	return nil
}

// Stages returns the full pipeline in execution order.
func (b *Builder) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name:        "query_generation",
			Func:        b.queryGeneration,
			Description: "Generate research queries based on user parameters",
			Required:    true,
			Retryable:   true,
			SuccessKey:  "query_generation_success",
		},
		{
			Name:        "web_search",
			Func:        b.webSearch,
			Description: "Execute web search using generated queries",
			Required:    true,
			Retryable:   true,
			SuccessKey:  "search_success",
		},
		{
			Name:        "data_extraction",
			Func:        b.dataExtraction,
			Description: "Extract structured data from web search results",
			Required:    true,
			Retryable:   true,
			SuccessKey:  "extraction_success",
		},
		{
			Name:        "financial_calculations",
			Func:        b.financialCalculations,
			Description: "Perform financial calculations using extracted benchmarks",
			Required:    true,
			Retryable:   true,
			SuccessKey:  "calculation_success",
		},
		{
			Name:        "schema_normalization",
			Func:        b.schemaNormalization,
			Description: "Normalize extracted and calculated data to schema",
			Required:    true,
			Retryable:   true,
			SuccessKey:  "normalization_success",
		},
		{
			Name:        "txt_generation",
			Func:        b.txtGeneration,
			Description: "Generate intermediary TXT content for optional LLM synthesis",
			Required:    false,
			Retryable:   true,
			SuccessKey:  "txt_generation_success",
		},
		{
			Name:        "carbone_assembly",
			Func:        b.carboneAssembly,
			Description: "Build render payload from normalized data",
			Required:    true,
			Retryable:   true,
			SuccessKey:  "carbone_assembly_success",
		},
		{
			Name:        "pdf_rendering",
			Func:        b.pdfRendering,
			Description: "Render PDF report from the assembled payload",
			Required:    true,
			Retryable:   false,
			SuccessKey:  "pdf_rendering_success",
		},
		{
			Name:        "csv_export",
			Func:        b.csvExport,
			Description: "Export financial tables to CSV format",
			Required:    false,
			Retryable:   true,
			SuccessKey:  "csv_export_success",
		},
		{
			Name:        "json_serialization",
			Func:        b.jsonSerialization,
			Description: "Serialize normalized data to JSON format",
			Required:    false,
			Retryable:   true,
			SuccessKey:  "json_serialization_success",
		},
		{
			Name:        "bibtex_generation",
			Func:        b.bibtexGeneration,
			Description: "Generate BibTeX bibliography from research sources",
			Required:    false,
			Retryable:   true,
			SuccessKey:  "bibtex_generation_success",
		},
	}
}

// queryGeneration is step 1: derive research queries from the input
// parameters. Collaborator failures surface as failure payloads so the
// coordinator's failure-indicator handling stays uniform.
func (b *Builder) queryGeneration(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	params := QueryParams{
		PartnerType: ctxString(sc, "partner_type", "medical_aesthetics"),
		Industry:    ctxString(sc, "industry", "healthcare"),
		Location:    ctxString(sc, "location", "Indonesia"),
	}

	queries, err := b.deps.Researcher.GenerateQueries(ctx, params)
	if err != nil {
		b.logger.Error("research query generation failed", zap.Error(err))
		return map[string]any{
			"research_queries":         []string{},
			"query_generation_success": false,
			"query_count":              0,
			"error":                    err.Error(),
		}, nil
	}

	return map[string]any{
		"research_queries":         queries,
		"query_generation_success": true,
		"query_count":              len(queries),
	}, nil
}

// webSearch is step 2: run the generated queries, consulting the research
// cache first.
func (b *Builder) webSearch(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	queries := stringSlice(stageResult(sc, "query_generation")["research_queries"])
	if len(queries) == 0 {
		return map[string]any{
			"search_results": []SearchResult{},
			"search_success": false,
			"search_count":   0,
			"error":          "No queries provided",
		}, nil
	}

	cacheKey := append([]string{"web_search"}, queries...)
	if cached := b.fromCache(ctx, state.PartitionResearch, cacheKey); cached != nil {
		return cached, nil
	}

	results, err := b.deps.Researcher.Search(ctx, queries)
	if err != nil {
		b.logger.Error("web search execution failed", zap.Error(err))
		return map[string]any{
			"search_results": []SearchResult{},
			"search_success": false,
			"search_count":   0,
			"error":          err.Error(),
		}, nil
	}

	payload := map[string]any{
		"search_results": results,
		"search_success": true,
		"search_count":   len(results),
	}
	b.toCache(ctx, state.PartitionResearch, payload, b.ttls.ResearchTTL, cacheKey)
	return payload, nil
}

// dataExtraction is step 3: structure the raw search results.
func (b *Builder) dataExtraction(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	results := searchResults(stageResult(sc, "web_search")["search_results"])
	if len(results) == 0 {
		return map[string]any{
			"extracted_data":     map[string]any{},
			"extraction_success": false,
			"extraction_count":   0,
			"error":              "No search results provided",
		}, nil
	}

	data, err := b.deps.Extractor.Extract(ctx, results)
	if err != nil {
		b.logger.Error("data extraction failed", zap.Error(err))
		return map[string]any{
			"extracted_data":     map[string]any{},
			"extraction_success": false,
			"extraction_count":   0,
			"error":              err.Error(),
		}, nil
	}

	return map[string]any{
		"extracted_data":     data,
		"extraction_success": true,
		"extraction_count":   data.Count(),
	}, nil
}

// financialCalculations is step 4: compute the financial scenario,
// consulting the calculation cache for identical inputs.
func (b *Builder) financialCalculations(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	data, _ := stageResult(sc, "data_extraction")["extracted_data"].(*ExtractedData)
	if data == nil {
		return map[string]any{
			"calculated_metrics":  map[string]any{},
			"calculation_success": false,
			"calculation_count":   0,
			"error":               "No extracted data provided",
		}, nil
	}

	params := FinancialParams{
		RevenueSharePct: ctxFloat(sc, "revenue_share_pct", 12),
		MinimumRevenue:  ctxFloat(sc, "minimum_revenue", 0),
		CapexInvestment: ctxFloat(sc, "capex_investment", 0),
		DiscountRate:    ctxFloat(sc, "discount_rate", 0.10),
	}

	cacheKey := []string{
		"financial_calculations",
		ctxString(sc, "partner_name", ""),
		fmt.Sprintf("%.4f", params.RevenueSharePct),
		fmt.Sprintf("%.4f", params.MinimumRevenue),
		fmt.Sprintf("%.4f", params.CapexInvestment),
		fmt.Sprintf("%.4f", params.DiscountRate),
	}
	if cached := b.fromCache(ctx, state.PartitionCalculation, cacheKey); cached != nil {
		return cached, nil
	}

	m, err := b.deps.Calculator.Calculate(ctx, params, data)
	if err != nil {
		b.logger.Error("financial calculations failed", zap.Error(err))
		return map[string]any{
			"calculated_metrics":  map[string]any{},
			"calculation_success": false,
			"calculation_count":   0,
			"error":               err.Error(),
		}, nil
	}

	payload := map[string]any{
		"calculated_metrics": map[string]any{
			"operational_costs": m.OperationalCosts,
			"revenue_share":     m.RevenueShare,
			"breakeven_months":  m.BreakevenMonths,
			"npv":               m.NPV,
			"sensitivity_table": m.SensitivityTable,
		},
		"calculation_success": true,
		"calculation_count":   5,
	}
	b.toCache(ctx, state.PartitionCalculation, payload, b.ttls.CalculationTTL, cacheKey)
	return payload, nil
}

// schemaNormalization is step 5: combine research and financial data and
// normalize against the report schema.
func (b *Builder) schemaNormalization(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	combined := map[string]any{
		"research_context":   stageResult(sc, "data_extraction")["extracted_data"],
		"partnership_terms":  sc["partnership_terms"],
		"financial_scenario": stageResult(sc, "financial_calculations")["calculated_metrics"],
	}

	normalized, err := b.deps.Normalizer.Normalize(ctx, combined)
	if err != nil {
		b.logger.Error("schema normalization failed", zap.Error(err))
		return map[string]any{
			"normalized_data":       map[string]any{},
			"normalization_success": false,
			"normalization_count":   0,
			"error":                 err.Error(),
		}, nil
	}

	return map[string]any{
		"normalized_data":       normalized,
		"normalization_success": true,
		"normalization_count":   len(normalized),
	}, nil
}

// txtGeneration is step 6 (optional): the intermediary plain-text summary.
func (b *Builder) txtGeneration(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	normalized, _ := stageResult(sc, "schema_normalization")["normalized_data"].(map[string]any)
	if len(normalized) == 0 {
		return map[string]any{
			"txt_content":            "",
			"txt_generation_success": false,
			"txt_length":             0,
			"error":                  "No normalized data provided",
		}, nil
	}

	txt, err := b.deps.Formatter.GenerateTXT(normalized)
	if err != nil {
		b.logger.Error("intermediary TXT generation failed", zap.Error(err))
		return map[string]any{
			"txt_content":            "",
			"txt_generation_success": false,
			"txt_length":             0,
			"error":                  err.Error(),
		}, nil
	}

	return map[string]any{
		"txt_content":            txt,
		"txt_generation_success": true,
		"txt_length":             len(txt),
	}, nil
}

// carboneAssembly is step 7: build the template render payload.
func (b *Builder) carboneAssembly(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	normalized, _ := stageResult(sc, "schema_normalization")["normalized_data"].(map[string]any)
	txt := ctxStringFrom(stageResult(sc, "txt_generation"), "txt_content")
	if len(normalized) == 0 {
		return map[string]any{
			"carbone_json":             map[string]any{},
			"carbone_assembly_success": false,
			"carbone_size":             0,
			"error":                    "No normalized data provided",
		}, nil
	}

	payload, err := b.deps.Formatter.AssemblePayload(normalized, txt)
	if err != nil {
		b.logger.Error("render payload assembly failed", zap.Error(err))
		return map[string]any{
			"carbone_json":             map[string]any{},
			"carbone_assembly_success": false,
			"carbone_size":             0,
			"error":                    err.Error(),
		}, nil
	}

	return map[string]any{
		"carbone_json":             payload,
		"carbone_assembly_success": true,
		"carbone_size":             len(fmt.Sprint(payload)),
	}, nil
}

// pdfRendering is step 8: render the final document. The stage is marked
// non-retryable because a render either succeeds or needs operator
// attention; re-submitting the same payload burns render credits.
func (b *Builder) pdfRendering(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	payload, _ := stageResult(sc, "carbone_assembly")["carbone_json"].(map[string]any)
	if len(payload) == 0 {
		return map[string]any{
			"pdf_rendering_success": false,
			"pdf_file_path":         "",
			"pdf_size_bytes":        0,
			"error":                 "No render payload provided",
		}, nil
	}

	path, size, err := b.deps.Renderer.RenderPDF(ctx, payload)
	if err != nil {
		b.logger.Error("PDF rendering failed", zap.Error(err))
		return map[string]any{
			"pdf_rendering_success": false,
			"pdf_file_path":         "",
			"pdf_size_bytes":        0,
			"error":                 err.Error(),
		}, nil
	}

	return map[string]any{
		"pdf_rendering_success": true,
		"pdf_file_path":         path,
		"pdf_size_bytes":        size,
	}, nil
}

// csvExport is step 9 (optional): export the financial tables.
func (b *Builder) csvExport(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	calculated, _ := stageResult(sc, "financial_calculations")["calculated_metrics"].(map[string]any)
	if len(calculated) == 0 {
		return map[string]any{
			"csv_export_success": false,
			"csv_file_paths":     []string{},
			"csv_count":          0,
			"error":              "No calculated metrics provided",
		}, nil
	}

	paths, err := b.deps.Formatter.ExportCSV(financialTables(calculated))
	if err != nil {
		b.logger.Error("CSV export failed", zap.Error(err))
		return map[string]any{
			"csv_export_success": false,
			"csv_file_paths":     []string{},
			"csv_count":          0,
			"error":              err.Error(),
		}, nil
	}

	return map[string]any{
		"csv_export_success": true,
		"csv_file_paths":     paths,
		"csv_count":          len(paths),
	}, nil
}

// jsonSerialization is step 10 (optional): persist the normalized entity.
func (b *Builder) jsonSerialization(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	normalized, _ := stageResult(sc, "schema_normalization")["normalized_data"].(map[string]any)
	if len(normalized) == 0 {
		return map[string]any{
			"json_serialization_success": false,
			"json_file_path":             "",
			"json_size_bytes":            0,
			"error":                      "No normalized data provided",
		}, nil
	}

	fileName := fmt.Sprintf("analysis_%s.json", ctxString(sc, "execution_id", "unknown"))
	path, size, err := b.deps.Formatter.SerializeJSON(normalized, fileName)
	if err != nil {
		b.logger.Error("JSON serialization failed", zap.Error(err))
		return map[string]any{
			"json_serialization_success": false,
			"json_file_path":             "",
			"json_size_bytes":            0,
			"error":                      err.Error(),
		}, nil
	}

	return map[string]any{
		"json_serialization_success": true,
		"json_file_path":             path,
		"json_size_bytes":            size,
	}, nil
}

// bibtexGeneration is step 11 (optional): generate the bibliography.
func (b *Builder) bibtexGeneration(ctx context.Context, sc pipeline.Context) (map[string]any, error) {
	data, _ := stageResult(sc, "data_extraction")["extracted_data"].(*ExtractedData)
	if data == nil || len(data.Citations) == 0 {
		return map[string]any{
			"bibtex_generation_success": false,
			"bibtex_file_path":          "",
			"bibtex_size_bytes":         0,
			"error":                     "No source citations provided",
		}, nil
	}

	path, size, err := b.deps.Formatter.GenerateBibTeX(data.Citations)
	if err != nil {
		b.logger.Error("BibTeX generation failed", zap.Error(err))
		return map[string]any{
			"bibtex_generation_success": false,
			"bibtex_file_path":          "",
			"bibtex_size_bytes":         0,
			"error":                     err.Error(),
		}, nil
	}

	return map[string]any{
		"bibtex_generation_success": true,
		"bibtex_file_path":          path,
		"bibtex_size_bytes":         size,
	}, nil
}

// fromCache returns the cached payload for the key material, or nil.
func (b *Builder) fromCache(ctx context.Context, p state.Partition, keyMaterial []string) map[string]any {
	if b.deps.Cache == nil {
		return nil
	}
	payload, err := b.deps.Cache.GetCached(ctx, p, keyMaterial...)
	if err != nil {
		if b.deps.Collector != nil {
			b.deps.Collector.RecordCacheMiss(string(p))
		}
		return nil
	}
	if b.deps.Collector != nil {
		b.deps.Collector.RecordCacheHit(string(p))
	}
	b.logger.Debug("cache hit", zap.String("partition", string(p)))
	return payload
}

// toCache stores the payload best-effort; cache failures never fail a stage.
func (b *Builder) toCache(ctx context.Context, p state.Partition, payload map[string]any, ttl time.Duration, keyMaterial []string) {
	if b.deps.Cache == nil || ttl <= 0 {
		return
	}
	if _, err := b.deps.Cache.CacheResult(ctx, p, payload, ttl, keyMaterial...); err != nil {
		b.logger.Warn("failed to cache stage result",
			zap.String("partition", string(p)),
			zap.Error(err),
		)
	}
}

// financialTables shapes the calculated metrics into the table map the CSV
// exporter expects.
func financialTables(calculated map[string]any) map[string]any {
	return map[string]any{
		"operational_costs":    calculated["operational_costs"],
		"revenue_share":        calculated["revenue_share"],
		"breakeven_analysis":   calculated["breakeven_months"],
		"sensitivity_analysis": calculated["sensitivity_table"],
	}
}

// stageResult reads a previous stage's result payload from the context.
func stageResult(sc pipeline.Context, stageName string) map[string]any {
	result, _ := sc["stage_"+stageName+"_result"].(map[string]any)
	if result == nil {
		return map[string]any{}
	}
	return result
}

func ctxString(sc pipeline.Context, key, fallback string) string {
	if v, ok := sc[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func ctxStringFrom(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func ctxFloat(sc pipeline.Context, key string, fallback float64) float64 {
	if v, ok := sc[key]; ok {
		return toFloat(v)
	}
	return fallback
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// stringSlice tolerates both []string and []any holding strings.
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// searchResults tolerates both the typed slice and a JSON-decoded form.
func searchResults(v any) []SearchResult {
	switch r := v.(type) {
	case []SearchResult:
		return r
	case []any:
		out := make([]SearchResult, 0, len(r))
		for _, item := range r {
			if m, ok := item.(map[string]any); ok {
				out = append(out, SearchResult{
					Title:      ctxStringFrom(m, "title"),
					URL:        ctxStringFrom(m, "url"),
					Snippet:    ctxStringFrom(m, "snippet"),
					Source:     ctxStringFrom(m, "source"),
					Confidence: toFloat(m["confidence"]),
				})
			}
		}
		return out
	default:
		return nil
	}
}
