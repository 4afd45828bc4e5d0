package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"cidrotate/internal/config"
	"cidrotate/internal/database"
	"cidrotate/internal/phone"
)

// Creator is the catalog surface the importer writes to.
type Creator interface {
	CreateCallerID(ctx context.Context, c *database.CallerID) error
}

// Result summarizes one import run.
type Result struct {
	Imported int
	Skipped  int
	Failed   int
}

// Importer bulk-loads caller-IDs from CSV. The expected header is
// number,carrier,area_code,hourly_cap,daily_cap,metadata with every column
// after number optional. Legacy exports with caller_id / hourly_limit /
// daily_limit / meta_json headers are accepted too.
type Importer struct {
	catalog Creator
	cfg     config.AllocatorConfig
}

func New(catalog Creator, cfg config.AllocatorConfig) *Importer {
	return &Importer{catalog: catalog, cfg: cfg}
}

var headerAliases = map[string]string{
	"number":       "number",
	"caller_id":    "number",
	"carrier":      "carrier",
	"area_code":    "area_code",
	"hourly_cap":   "hourly_cap",
	"hourly_limit": "hourly_cap",
	"daily_cap":    "daily_cap",
	"daily_limit":  "daily_cap",
	"metadata":     "metadata",
	"meta_json":    "metadata",
}

// Import reads CSV rows and creates one pool entry per row. Duplicate
// numbers are counted as skipped, malformed rows as failed; neither aborts
// the run.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	cols := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if canonical, ok := headerAliases[name]; ok {
			cols[canonical] = i
		}
	}
	if _, ok := cols["number"]; !ok {
		return nil, fmt.Errorf("CSV header is missing a number column, got %v", header)
	}

	result := &Result{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			log.Printf("[Importer] Line %d: malformed row: %v", line, err)
			result.Failed++
			continue
		}

		c, err := im.buildCallerID(record, cols)
		if err != nil {
			log.Printf("[Importer] Line %d: %v", line, err)
			result.Failed++
			continue
		}

		switch err := im.catalog.CreateCallerID(ctx, c); {
		case err == nil:
			result.Imported++
		case errors.Is(err, database.ErrDuplicate):
			result.Skipped++
		default:
			log.Printf("[Importer] Line %d: creating %s: %v", line, c.Number, err)
			result.Failed++
		}
	}

	log.Printf("[Importer] Done: %d imported, %d skipped, %d failed",
		result.Imported, result.Skipped, result.Failed)
	return result, nil
}

func (im *Importer) buildCallerID(record []string, cols map[string]int) (*database.CallerID, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	number := phone.Normalize(field("number"))
	if !phone.ValidCallerID(number) {
		return nil, fmt.Errorf("invalid number %q", field("number"))
	}

	c := &database.CallerID{
		Number:    number,
		Carrier:   field("carrier"),
		AreaCode:  field("area_code"),
		HourlyCap: im.cfg.DefaultHourlyCap,
		DailyCap:  im.cfg.DefaultDailyCap,
		Metadata:  field("metadata"),
		Active:    true,
	}
	if c.AreaCode == "" {
		c.AreaCode = phone.AreaCode(number)
	}
	if v := field("hourly_cap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid hourly cap %q for %s", v, number)
		}
		c.HourlyCap = n
	}
	if v := field("daily_cap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid daily cap %q for %s", v, number)
		}
		c.DailyCap = n
	}
	if c.HourlyCap > c.DailyCap {
		return nil, fmt.Errorf("hourly cap %d exceeds daily cap %d for %s", c.HourlyCap, c.DailyCap, number)
	}
	return c, nil
}
