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

package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/model"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
	"github.com/spf13/cobra"
	"github.com/tatsushid/go-prettytable"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect a read classification distribution database",
	Long: `Inspect a read classification distribution database

Without -t/--taxid, one row per reference taxon is printed: the number
of training reads, the probability of a read being classified at the
taxon itself, and the number of nodes its probability mass is spread
over. With -t/--taxid, the full distribution of that taxon is printed
instead, one row per classification node.

Taxon names and ranks are shown when -T/--taxdump is given.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)

		var fhLog *os.File
		if opt.Log2File {
			fhLog = addLog(opt.LogFile, opt.Verbose)
		}
		timeStart := time.Now()
		defer func() {
			if opt.Verbose || opt.Log2File {
				log.Info()
				log.Infof("elapsed time: %s", time.Since(timeStart))
			}
			if opt.Log2File {
				fhLog.Close()
			}
		}()

		dbDir := getFlagString(cmd, "db-dir")
		taxdumpDir := getFlagString(cmd, "taxdump")
		taxid := getFlagNonNegativeInt(cmd, "taxid")
		outFile := getFlagString(cmd, "out-file")

		if dbDir == "" {
			checkError(fmt.Errorf("flag -d/--db-dir needed"))
		}

		var tree *taxtree.Tree
		var err error
		if taxdumpDir != "" {
			tree, err = taxtree.FromTaxdump(loadTaxonomy(opt, expandPath(taxdumpDir)))
			checkError(errors.Wrap(err, "converting taxonomy"))
		}

		m, info, err := model.LoadFromDir(expandPath(dbDir), tree, opt.NumCPUs, 64)
		checkError(errors.Wrap(err, dbDir))

		if opt.Verbose || opt.Log2File {
			log.Infof("%s", info)
		}

		outfh, gw, w, err := outStream(outFile, isGzipSuffix(outFile), opt.CompressionLevel)
		checkError(err)
		defer func() {
			outfh.Flush()
			if gw != nil {
				gw.Close()
			}
			w.Close()
		}()

		name := func(taxid uint32) string {
			if tree == nil {
				return ""
			}
			return tree.Name(taxid)
		}

		if taxid > 0 {
			e, ok := m.Entries[uint32(taxid)]
			if !ok {
				checkError(fmt.Errorf("taxid %d not found in database: %s", taxid, dbDir))
			}

			columns := []prettytable.Column{
				{Header: "node", AlignRight: true},
				{Header: "rank"},
				{Header: "name"},
				{Header: "prob", AlignRight: true},
			}
			tbl, err := prettytable.NewTable(columns...)
			checkError(err)
			tbl.Separator = "  "

			nodes := make([]uint32, 0, len(e.Prob))
			for node := range e.Prob {
				nodes = append(nodes, node)
			}
			sort.Slice(nodes, func(i, j int) bool {
				if e.Prob[nodes[i]] != e.Prob[nodes[j]] {
					return e.Prob[nodes[i]] > e.Prob[nodes[j]]
				}
				return nodes[i] < nodes[j]
			})

			for _, node := range nodes {
				rank, nodeName := "", ""
				if node == model.UnclassifiedTaxid {
					nodeName = "unclassified"
				} else if tree != nil {
					rank, nodeName = tree.Rank(node), name(node)
				}
				tbl.AddRow(
					fmt.Sprintf("%d", node),
					rank,
					nodeName,
					fmt.Sprintf("%.6f", e.Prob[node]),
				)
			}
			outfh.Write(tbl.Bytes())
			return
		}

		columns := []prettytable.Column{
			{Header: "taxid", AlignRight: true},
			{Header: "name"},
			{Header: "reads", AlignRight: true},
			{Header: "self-prob", AlignRight: true},
			{Header: "nodes", AlignRight: true},
		}
		tbl, err := prettytable.NewTable(columns...)
		checkError(err)
		tbl.Separator = "  "

		taxids := make([]uint32, 0, len(m.Entries))
		for t := range m.Entries {
			taxids = append(taxids, t)
		}
		sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })

		for _, t := range taxids {
			e := m.Entries[t]
			tbl.AddRow(
				fmt.Sprintf("%d", t),
				name(t),
				humanize.Comma(int64(e.Reads)),
				fmt.Sprintf("%.6f", e.Prob[t]),
				fmt.Sprintf("%d", len(e.Prob)),
			)
		}
		outfh.Write(tbl.Bytes())
	},
}

func init() {
	RootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringP("db-dir", "d", "",
		formatFlagUsage(`Directory of the distribution database.`))
	inspectCmd.Flags().StringP("taxdump", "T", "",
		formatFlagUsage(`Directory of NCBI taxonomy dump files. Optional, adds names and
		ranks and enables consistency checks against the taxonomy.`))
	inspectCmd.Flags().IntP("taxid", "t", 0,
		formatFlagUsage(`Show the full classification distribution of this reference taxon.`))
	inspectCmd.Flags().StringP("out-file", "o", "-",
		formatFlagUsage(`Out file ("-" for stdout).`))

	inspectCmd.SetUsageTemplate(usageTemplate("[flags] -d <db dir>"))
}
