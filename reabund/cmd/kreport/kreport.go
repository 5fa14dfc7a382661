// Copyright © 2023-2024 Qian Chen <qchen.bio@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package kreport parses Kraken-style hierarchical classification
// reports: one row per taxon with clade-rooted and directly-assigned
// read counts. Both the classic 6-column layout and the 8-column
// layout with minimizer statistics are accepted.
package kreport

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
	"github.com/shenwei356/breader"
)

// ErrMalformedReport marks a file that is not a classification report,
// or a report with duplicate or unparsable rows.
var ErrMalformedReport = errors.New("kreport: malformed report")

// Record is one report row.
type Record struct {
	Percent     float64
	CladeReads  uint64
	DirectReads uint64
	RankCode    string
	Taxid       uint32
	Name        string
}

// Report is a parsed classification report. Records keeps the file
// order; Direct maps taxids to their directly-assigned read counts.
type Report struct {
	File    string
	Records []Record
	Direct  map[uint32]uint64

	Unclassified uint64 // reads the classifier assigned to no taxon
	Classified   uint64
	Total        uint64 // Classified + Unclassified
}

func parseLine(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")
	items := strings.Split(line, "\t")

	// raw per-read classifier output starts with C/U and a read name,
	// easy to confuse with a report
	if len(items) >= 4 && (items[0] == "C" || items[0] == "U") {
		return nil, errors.Wrap(ErrMalformedReport,
			"input looks like per-read classifier output, expected a hierarchical report")
	}
	if len(items) == 2 {
		return nil, errors.Wrap(ErrMalformedReport,
			"input looks like an mpa-style report, expected a standard report with read counts")
	}
	if len(items) < 6 {
		return nil, errors.Wrapf(ErrMalformedReport, "too few columns: %s", line)
	}

	percent, err := strconv.ParseFloat(strings.TrimSpace(items[0]), 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedReport, "invalid percentage: %s", items[0])
	}
	clade, err := strconv.ParseUint(strings.TrimSpace(items[1]), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedReport, "invalid clade read count: %s", items[1])
	}
	direct, err := strconv.ParseUint(strings.TrimSpace(items[2]), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedReport, "invalid direct read count: %s", items[2])
	}

	// rank code, taxid and name are the last three columns in both the
	// 6-column and the 8-column layout
	n := len(items)
	taxid, err := strconv.ParseUint(strings.TrimSpace(items[n-2]), 10, 32)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedReport, "invalid taxid: %s", items[n-2])
	}

	return &Record{
		Percent:     percent,
		CladeReads:  clade,
		DirectReads: direct,
		RankCode:    strings.TrimSpace(items[n-3]),
		Taxid:       uint32(taxid),
		Name:        strings.TrimLeft(items[n-1], " "),
	}, nil
}

// ParseFile reads a classification report. A duplicate taxid is
// treated as corruption, not merged silently.
func ParseFile(file string, threads int, chunkSize int) (*Report, error) {
	fn := func(line string) (interface{}, bool, error) {
		if line == "" || line == "\n" || line[0] == '#' {
			return nil, false, nil
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	reader, err := breader.NewBufferedReader(file, threads, chunkSize, fn)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}

	rep := &Report{
		File:   file,
		Direct: make(map[uint32]uint64, 1024),
	}
	var data interface{}
	for chunk := range reader.Ch {
		if chunk.Err != nil {
			return nil, errors.Wrap(chunk.Err, file)
		}
		for _, data = range chunk.Data {
			rec := data.(*Record)

			if rec.Taxid == 0 || rec.RankCode == "U" {
				rep.Unclassified += rec.DirectReads
				continue
			}
			if _, ok := rep.Direct[rec.Taxid]; ok {
				return nil, errors.Wrapf(ErrMalformedReport,
					"%s: duplicate taxid %d", file, rec.Taxid)
			}
			rep.Records = append(rep.Records, *rec)
			rep.Direct[rec.Taxid] = rec.DirectReads
			rep.Classified += rec.DirectReads
		}
	}

	if len(rep.Records) == 0 {
		return nil, errors.Wrapf(ErrMalformedReport, "%s: no classified taxa", file)
	}

	rep.Total = rep.Classified + rep.Unclassified
	return rep, nil
}

// Remap rewrites taxids through resolve, typically the merged-nodes
// table of the taxonomy. Counts of rows mapping to the same new taxid
// are merged. It returns the number of remapped rows.
func (r *Report) Remap(resolve func(uint32) (uint32, bool)) int {
	var n int
	for i := range r.Records {
		rec := &r.Records[i]
		newid, ok := resolve(rec.Taxid)
		if !ok || newid == rec.Taxid {
			continue
		}
		n++
		delete(r.Direct, rec.Taxid)
		r.Direct[newid] += rec.DirectReads
		rec.Taxid = newid
	}
	return n
}

// CheckTaxa returns the taxids in the report that the taxonomy does
// not know, ascending. Reads of such taxa cannot be redistributed.
func (r *Report) CheckTaxa(tree *taxtree.Tree) []uint32 {
	var missing []uint32
	seen := make(map[uint32]struct{}, 8)
	for _, rec := range r.Records {
		if tree.Has(rec.Taxid) {
			continue
		}
		if _, ok := seen[rec.Taxid]; ok {
			continue
		}
		seen[rec.Taxid] = struct{}{}
		missing = append(missing, rec.Taxid)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}
