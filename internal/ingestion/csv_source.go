package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"PerpSim/internal/event"
)

// CSV tick files hold one quote per row, rows of a step contiguous:
//
//	step,asset,low,high,reference,spread_problem
//	0,BTC,59990,60010,60000,false
//	0,USDC,1,1,1,false
//
// reference and spread_problem columns are optional.
var requiredCSVColumns = []string{"step", "asset", "low", "high"}

// CSVSource replays ticks from a CSV file.
type CSVSource struct {
	r       *csv.Reader
	closer  io.Closer
	cols    map[string]int
	pending []string
	line    int
}

// OpenCSVSource opens path and reads its header.
func OpenCSVSource(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tick file: %w", err)
	}
	src, err := NewCSVSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredCSVColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("csv header missing column %q", c)
		}
	}
	cr.FieldsPerRecord = len(header)

	return &CSVSource{r: cr, cols: cols, line: 1}, nil
}

// Next returns the next step's quotes, or io.EOF.
func (s *CSVSource) Next(ctx context.Context) (*event.PriceTick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row, err := s.nextRow()
	if err != nil {
		return nil, err
	}

	step, err := s.parseStep(row)
	if err != nil {
		return nil, err
	}
	tick := &event.PriceTick{Step: step, Quotes: make(event.Quotes)}

	for {
		asset, q, err := s.parseQuote(row)
		if err != nil {
			return nil, err
		}
		if _, dup := tick.Quotes[asset]; dup {
			return nil, fmt.Errorf("csv line %d: duplicate %s for step %d", s.line, asset, step)
		}
		tick.Quotes[asset] = q

		row, err = s.nextRow()
		if errors.Is(err, io.EOF) {
			return tick, nil
		}
		if err != nil {
			return nil, err
		}
		next, err := s.parseStep(row)
		if err != nil {
			return nil, err
		}
		if next != step {
			s.pending = row
			return tick, nil
		}
	}
}

func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *CSVSource) nextRow() ([]string, error) {
	if s.pending != nil {
		row := s.pending
		s.pending = nil
		return row, nil
	}
	row, err := s.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read csv: %w", err)
	}
	s.line, _ = s.r.FieldPos(0)
	return row, nil
}

func (s *CSVSource) field(row []string, col string) (string, bool) {
	i, ok := s.cols[col]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(row[i]), true
}

func (s *CSVSource) parseStep(row []string) (int64, error) {
	v, _ := s.field(row, "step")
	step, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("csv line %d: step: %w", s.line, err)
	}
	return step, nil
}

func (s *CSVSource) parseQuote(row []string) (event.Asset, event.PriceQuote, error) {
	sym, _ := s.field(row, "asset")
	asset := event.Asset(strings.ToUpper(sym))
	if asset == "" {
		return "", event.PriceQuote{}, fmt.Errorf("csv line %d: empty asset", s.line)
	}

	var q event.PriceQuote
	var err error
	parse := func(col string, dst *float64) {
		v, ok := s.field(row, col)
		if err != nil || !ok || v == "" {
			return
		}
		*dst, err = strconv.ParseFloat(v, 64)
		if err != nil {
			err = fmt.Errorf("csv line %d: %s: %w", s.line, col, err)
		}
	}
	parse("low", &q.Low)
	parse("high", &q.High)
	parse("reference", &q.Reference)
	if err != nil {
		return "", event.PriceQuote{}, err
	}

	if v, ok := s.field(row, "spread_problem"); ok && v != "" {
		q.SpreadProblem, err = strconv.ParseBool(v)
		if err != nil {
			return "", event.PriceQuote{}, fmt.Errorf("csv line %d: spread_problem: %w", s.line, err)
		}
	}
	return asset, q, nil
}
