package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/exploopio/insight/pkg/analysis"
	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/query"
	"github.com/exploopio/insight/pkg/resolve"
	"github.com/exploopio/insight/pkg/service"
	"github.com/exploopio/insight/pkg/severity"
)

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

func (p *printer) failure(f *service.Failure) {
	if p.json {
		_ = p.encode(map[string]any{"error": f})
	}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) print(v any) error {
	if p.json {
		return p.encode(v)
	}

	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	switch r := v.(type) {
	case query.Result:
		printRecords(tw, r)
	case service.SeveritySummary:
		title := "all products"
		if r.Product != "" {
			title = r.Product
		}
		fmt.Fprintf(tw, "Severity (%s, %s)\n", title, r.Source)
		printHistogram(tw, r.Severity)
		fmt.Fprintf(tw, "Total\t%d\n", r.Total)
	case analysis.OpenClosed:
		fmt.Fprintf(tw, "Open\t%d\nClosed\t%d\n", r.Open, r.Closed)
	case []analysis.ProductCount:
		fmt.Fprintln(tw, "PRODUCT\tFINDINGS")
		for _, row := range r {
			fmt.Fprintf(tw, "%s\t%d\n", row.Product, row.Count)
		}
	case service.ProductSummaries:
		fmt.Fprintln(tw, "PRODUCT\tCRITICAL\tHIGH\tMEDIUM\tLOW\tINFO\tTOTAL")
		for _, ps := range r.Products {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", ps.Product, histogramCells(ps.Severity), ps.Total)
		}
		if len(r.NotFound) > 0 {
			fmt.Fprintf(tw, "\nnot found: %s\n", strings.Join(r.NotFound, ", "))
		}
	case service.AnalysisResult:
		printAnalysis(tw, r)
	case resolve.Resolution:
		fmt.Fprintf(tw, "%s\t%s\nid\t%d\nstage\t%s\n", r.Entity, r.Name, r.ID, r.Stage)
	case cache.Stats:
		fmt.Fprintf(tw, "populated\t%t\nfindings\t%d\nrejected\t%d\nage\t%s\nttl\t%s\n",
			r.Populated, r.Size, r.Rejected, r.Age, r.TTL)
	default:
		tw.Flush()
		return p.encode(v)
	}
	return tw.Flush()
}

func printRecords(w io.Writer, r query.Result) {
	if r.Message != "" {
		fmt.Fprintln(w, r.Message)
	}
	if len(r.Records) == 0 {
		return
	}
	fmt.Fprintln(w, "ID\tSEVERITY\tCVSS\tPRODUCT\tCOMPONENT\tTITLE")
	for _, rec := range r.Records {
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%s\t%s\t%s\n", rec.ID, rec.Severity, rec.CVSSScore, rec.Product, rec.Component, rec.Title)
	}
	fmt.Fprintf(w, "\n%d of %d shown\n", r.ReturnedCount, r.TotalCount)
}

func printHistogram(w io.Writer, h severity.Histogram) {
	for _, l := range severity.AllLevels() {
		fmt.Fprintf(w, "%s\t%d\n", l, h.Get(l))
	}
}

func histogramCells(h severity.Histogram) string {
	cells := make([]string, 0, 5)
	for _, l := range severity.AllLevels() {
		cells = append(cells, fmt.Sprint(h.Get(l)))
	}
	return strings.Join(cells, "\t")
}

func printAnalysis(w io.Writer, r service.AnalysisResult) {
	if r.Message != "" {
		fmt.Fprintln(w, r.Message)
		return
	}
	switch res := r.Result.(type) {
	case analysis.ComponentRiskResult:
		fmt.Fprintln(w, "COMPONENT\tFINDINGS\tCRITICAL\tHIGH\tRISK\tSHARE%\tPRODUCTS")
		for _, c := range res.Components {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\t%.1f\t%s\n",
				c.Component, c.Count, c.Critical, c.High, c.RiskScore, c.RiskSharePercent, strings.Join(c.Products, ", "))
		}
	case analysis.ToolComparisonResult:
		fmt.Fprintln(w, "TOOL\tFINDINGS\tTOP COMPONENT")
		for _, t := range res.Tools {
			fmt.Fprintf(w, "%s\t%d\t%s\n", t.Tool, t.Count, t.TopComponent)
		}
	case analysis.VulnerabilityAgeResult:
		fmt.Fprintln(w, "ID\tSEVERITY\tAGE (DAYS)\tPRODUCT\tTITLE")
		for _, f := range res.Findings {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", f.ID, f.Severity, f.AgeDays, f.Product, f.Title)
		}
	case analysis.CrossProductUsageResult:
		fmt.Fprintln(w, "COMPONENT\tPRODUCTS\tFINDINGS\tCRITICAL\tHIGH")
		for _, c := range res.Components {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", c.Component, strings.Join(c.Products, ", "), c.Total, c.Critical, c.High)
		}
	case analysis.ProductRiskResult:
		fmt.Fprintln(w, "PRODUCT\tFINDINGS\tRISK\tAVG CVSS\tSHARE%")
		for _, pr := range res.Products {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", pr.Product, pr.Count, pr.RiskScore, pr.AverageCVSS, pr.RiskSharePercent)
		}
	}
}
