// Package intent classifies inbound chat text into coordinated workflows.
//
// Classification is a pure function of the text and a pattern table: each
// workflow scores 3 points per matching regular expression and 1 point per
// matching keyword phrase. The best scoring workflow wins when its confidence
// (score / 10, capped at 1) reaches the threshold; otherwise the message is
// answered by a single responder.
package intent

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Table is the declarative pattern table. Workflow order is significant: on
// equal scores the earlier workflow wins.
type Table struct {
	Workflows []Workflow `yaml:"workflows"`
}

// Workflow describes one coordinated workflow and the text that triggers it.
type Workflow struct {
	Type       string      `yaml:"type"`
	Patterns   []string    `yaml:"patterns"`
	Keywords   []string    `yaml:"keywords"`
	Roles      []string    `yaml:"roles"`
	Extractors []Extractor `yaml:"extractors"`
}

// Extractor pulls a named context field out of the message. The first capture
// group is used when the pattern has one, otherwise the whole match.
type Extractor struct {
	Field   string `yaml:"field"`
	Pattern string `yaml:"pattern"`
}

var (
	marketplaceExtractor = Extractor{Field: "marketplace", Pattern: `\b(amazon|ebay|etsy|walmart|shopify|mercari|poshmark)\b`}
	priceExtractor       = Extractor{Field: "price", Pattern: `\$\s?(\d+(?:\.\d{1,2})?)`}
	quantityExtractor    = Extractor{Field: "quantity", Pattern: `\b(\d+)\s?(?:units|pcs|pieces|items)\b`}
)

// DefaultTable returns the built-in marketplace workflow table.
func DefaultTable() Table {
	return Table{Workflows: []Workflow{
		{
			Type:       "product_analysis",
			Patterns:   []string{`analy[sz]e.*product`, `product.*analy(sis|ze)`, `evaluate.*(product|item)`, `selling potential`},
			Keywords:   []string{"analyze product", "product analysis", "selling potential", "market fit"},
			Roles:      []string{"content", "market", "executive"},
			Extractors: []Extractor{marketplaceExtractor, priceExtractor},
		},
		{
			Type:       "listing_optimization",
			Patterns:   []string{`optimi[sz]e.*listing`, `improve.*(title|description|listing)`, `listing.*(seo|keywords)`},
			Keywords:   []string{"optimize listing", "listing seo", "product title", "product description"},
			Roles:      []string{"content", "market"},
			Extractors: []Extractor{marketplaceExtractor},
		},
		{
			Type:       "pricing_strategy",
			Patterns:   []string{`pric(e|ing).*strateg`, `(set|adjust|change|lower|raise).*price`, `competitive pric`},
			Keywords:   []string{"pricing strategy", "price point", "undercut", "margin"},
			Roles:      []string{"market", "executive"},
			Extractors: []Extractor{marketplaceExtractor, priceExtractor},
		},
		{
			Type:       "inventory_planning",
			Patterns:   []string{`\b(restock|reorder)\b`, `inventory.*(plan|forecast|level)`, `stock.*(out|level)`},
			Keywords:   []string{"inventory planning", "stock levels", "safety stock", "lead time"},
			Roles:      []string{"operations", "market", "executive"},
			Extractors: []Extractor{quantityExtractor, marketplaceExtractor},
		},
		{
			Type:       "marketing_campaign",
			Patterns:   []string{`(launch|run|plan).*campaign`, `marketing.*plan`, `promot(e|ion).*(product|listing|store)`},
			Keywords:   []string{"marketing campaign", "promotion", "ad budget"},
			Roles:      []string{"content", "market", "executive"},
			Extractors: []Extractor{marketplaceExtractor, priceExtractor},
		},
	}}
}

// ParseTable decodes a YAML pattern table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse pattern table: %w", err)
	}
	if len(t.Workflows) == 0 {
		return Table{}, fmt.Errorf("parse pattern table: no workflows defined")
	}
	return t, nil
}

// LoadTable reads a YAML pattern table from disk.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read pattern table: %w", err)
	}
	return ParseTable(data)
}

type compiledExtractor struct {
	field string
	re    *regexp.Regexp
}

type compiledWorkflow struct {
	typ        string
	patterns   []*regexp.Regexp
	keywords   [][]string
	rawKeys    []string
	roles      []string
	extractors []compiledExtractor
}

func compileWorkflow(w Workflow) (compiledWorkflow, error) {
	if w.Type == "" {
		return compiledWorkflow{}, fmt.Errorf("workflow without type")
	}
	if len(w.Roles) == 0 {
		return compiledWorkflow{}, fmt.Errorf("workflow %q: no participating roles", w.Type)
	}
	cw := compiledWorkflow{
		typ:   w.Type,
		roles: append([]string(nil), w.Roles...),
	}
	for _, p := range w.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return compiledWorkflow{}, fmt.Errorf("workflow %q: pattern %q: %w", w.Type, p, err)
		}
		cw.patterns = append(cw.patterns, re)
	}
	for _, k := range w.Keywords {
		words := splitWords(k)
		if len(words) == 0 {
			continue
		}
		cw.keywords = append(cw.keywords, words)
		cw.rawKeys = append(cw.rawKeys, k)
	}
	for _, e := range w.Extractors {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return compiledWorkflow{}, fmt.Errorf("workflow %q: extractor %q: %w", w.Type, e.Field, err)
		}
		cw.extractors = append(cw.extractors, compiledExtractor{field: e.Field, re: re})
	}
	return cw, nil
}
