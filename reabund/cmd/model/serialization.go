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

package model

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
	"github.com/shenwei356/breader"
	"github.com/shenwei356/util/pathutil"
	"github.com/shenwei356/xopen"
	"gopkg.in/yaml.v2"
)

// DBInfoFile is the metadata file inside a distribution database directory.
const DBInfoFile = "_db.yml"

// DBDataFile is the distribution data file inside a database directory.
const DBDataFile = "distr.tsv.gz"

// DBVersion is the on-disk format version.
const DBVersion uint8 = 1

// ErrVersionMismatch is returned for databases written by an
// incompatible reabund version.
var ErrVersionMismatch = errors.New("model: database version mismatch")

// DBInfo is the metadata of a distribution database.
type DBInfo struct {
	Version  uint8  `yaml:"version"`
	NumTaxa  int    `yaml:"taxa"`
	NumReads uint64 `yaml:"trainingReads"`
	File     string `yaml:"file"`

	path string
}

func (i DBInfo) String() string {
	return fmt.Sprintf("reabund database v%d: %d taxa, %d training reads",
		i.Version, i.NumTaxa, i.NumReads)
}

// NewDBInfo returns metadata describing a model about to be written.
func NewDBInfo(m *Model) DBInfo {
	var reads uint64
	for _, e := range m.Entries {
		reads += e.Reads
	}
	return DBInfo{
		Version:  DBVersion,
		NumTaxa:  len(m.Entries),
		NumReads: reads,
		File:     DBDataFile,
	}
}

// DBInfoFromFile loads and version-checks database metadata.
func DBInfoFromFile(file string) (DBInfo, error) {
	info := DBInfo{}

	data, err := ioutil.ReadFile(file)
	if err != nil {
		return info, fmt.Errorf("fail to read database info file: %s", file)
	}

	err = yaml.Unmarshal(data, &info)
	if err != nil {
		return info, fmt.Errorf("fail to unmarshal database info file: %s", file)
	}

	if info.Version != DBVersion {
		return info, ErrVersionMismatch
	}

	p, _ := filepath.Abs(file)
	info.path = filepath.Dir(p)
	return info, nil
}

// WriteTo saves the metadata file.
func (i DBInfo) WriteTo(file string) error {
	data, err := yaml.Marshal(i)
	if err != nil {
		return fmt.Errorf("fail to marshal database info")
	}

	w, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("fail to write database info file: %s", file)
	}
	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("fail to write database info file: %s", file)
	}

	w.Close()
	return nil
}

// Check verifies that the data file recorded in the metadata exists.
func (i DBInfo) Check() error {
	file := filepath.Join(i.path, i.File)
	ok, err := pathutil.Exists(file)
	if err != nil {
		return fmt.Errorf("error on checking distribution data file: %s: %s", file, err)
	}
	if !ok {
		return fmt.Errorf("distribution data file missing: %s", file)
	}
	return nil
}

// WriteToDir saves the model and its metadata into dir, which must
// already exist. Rows are sorted by taxid so rebuilding from the same
// tallies produces byte-identical databases.
func (m *Model) WriteToDir(dir string) error {
	outfh, err := xopen.Wopen(filepath.Join(dir, DBDataFile))
	if err != nil {
		return errors.Wrap(err, dir)
	}

	outfh.WriteString("taxid\treads\tnode:prob\n")

	taxids := make([]uint32, 0, len(m.Entries))
	for taxid := range m.Entries {
		taxids = append(taxids, taxid)
	}
	sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })

	var buf strings.Builder
	for _, taxid := range taxids {
		e := m.Entries[taxid]

		nodes := make([]uint32, 0, len(e.Prob))
		for node := range e.Prob {
			nodes = append(nodes, node)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

		buf.Reset()
		for i, node := range nodes {
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(strconv.FormatUint(uint64(node), 10))
			buf.WriteByte(':')
			buf.WriteString(strconv.FormatFloat(e.Prob[node], 'f', -1, 64))
		}

		outfh.WriteString(fmt.Sprintf("%d\t%d\t%s\n", taxid, e.Reads, buf.String()))
	}

	outfh.Close()

	return NewDBInfo(m).WriteTo(filepath.Join(dir, DBInfoFile))
}

func parseEntry(line string) (*Entry, error) {
	items := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(items) < 3 {
		return nil, errors.Wrapf(ErrInvalidDistributionEntry, "too few columns: %s", line)
	}

	taxid, err := strconv.ParseUint(items[0], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDistributionEntry, "invalid taxid: %s", items[0])
	}
	reads, err := strconv.ParseUint(items[1], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDistributionEntry, "invalid read count: %s", items[1])
	}

	fields := strings.Fields(items[2])
	e := &Entry{
		Taxid: uint32(taxid),
		Reads: reads,
		Prob:  make(map[uint32]float64, len(fields)),
	}
	for _, field := range fields {
		j := strings.IndexByte(field, ':')
		if j < 0 {
			return nil, errors.Wrapf(ErrInvalidDistributionEntry, "invalid node:prob pair: %s", field)
		}
		node, err := strconv.ParseUint(field[:j], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDistributionEntry, "invalid node: %s", field[:j])
		}
		p, err := strconv.ParseFloat(field[j+1:], 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDistributionEntry, "invalid probability: %s", field[j+1:])
		}
		e.Prob[uint32(node)] = p
	}
	return e, nil
}

// LoadFromDir loads a distribution database and validates it against
// the taxonomy (tree may be nil to skip the ancestor check, e.g. for
// inspection without dump files). A validation failure means the
// database is corrupt and the whole load is rejected.
func LoadFromDir(dir string, tree *taxtree.Tree, threads int, chunkSize int) (*Model, DBInfo, error) {
	info, err := DBInfoFromFile(filepath.Join(dir, DBInfoFile))
	if err != nil {
		return nil, info, err
	}
	if err = info.Check(); err != nil {
		return nil, info, err
	}

	fn := func(line string) (interface{}, bool, error) {
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "taxid\t") {
			return nil, false, nil
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	reader, err := breader.NewBufferedReader(filepath.Join(info.path, info.File), threads, chunkSize, fn)
	if err != nil {
		return nil, info, errors.Wrap(err, dir)
	}

	m := &Model{Entries: make(map[uint32]*Entry, info.NumTaxa)}
	var data interface{}
	for chunk := range reader.Ch {
		if chunk.Err != nil {
			return nil, info, errors.Wrap(chunk.Err, dir)
		}
		for _, data = range chunk.Data {
			e := data.(*Entry)
			m.Entries[e.Taxid] = e
		}
	}

	if err = m.Validate(tree); err != nil {
		return nil, info, err
	}
	return m, info, nil
}
