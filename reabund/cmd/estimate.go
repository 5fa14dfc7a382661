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
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/estimator"
	"github.com/qchen-bio/reabund/reabund/cmd/kreport"
	"github.com/qchen-bio/reabund/reabund/cmd/model"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
	"github.com/shenwei356/util/cliutil"
	"github.com/spf13/cobra"
	"github.com/twotwotwo/sorts"
)

// rank aliases accepted by -r/--rank, following the one-letter codes
// of Kraken-style reports
var rankAliases = map[string]string{
	"D": "superkingdom",
	"K": "kingdom",
	"P": "phylum",
	"C": "class",
	"O": "order",
	"F": "family",
	"G": "genus",
	"S": "species",
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate per-taxon read abundance at a target rank",
	Long: `Estimate per-taxon read abundance at a target rank

LCA-based classifiers park reads whose k-mers are shared between
sibling genomes at ancestor nodes, so raw report counts systematically
undercount every taxon of the target rank. This command redistributes
those ancestor-level reads down to the target rank, weighting each
candidate taxon by its current read count and by the probability
(from the distribution database) that its genome leaks reads up to
that ancestor. Reads classified below the target rank are absorbed
into their target-rank ancestor first.

Input is a Kraken-style hierarchical report ("-" for stdin, gzip
supported). Output is a tab-delimited table:

  name, taxonomy_id, taxonomy_lvl, kraken_assigned_reads, added_reads,
  new_est_reads, fraction_total_reads, lineage

Read counts are conserved: every classified read ends up in a taxon of
the target rank or in the unresolved bucket (reads on lineages with no
taxon at that rank), reported as a last row with taxid 0.

Attention:
  1. -r/--rank accepts canonical NCBI rank names and the one-letter
     codes D/K/P/C/O/F/G/S.
  2. Taxids deprecated by a taxonomy update are resolved via merged.dmp
     before estimation. A report taxid still unknown to the taxonomy
     makes the report malformed; use --skip-missing-taxids to count
     those reads as unresolved instead.

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
		rank := getFlagString(cmd, "rank")
		minReads := uint64(getFlagNonNegativeInt(cmd, "min-reads"))
		outFile := getFlagString(cmd, "out-file")
		noLineage := getFlagBool(cmd, "no-lineage")
		skipMissingTaxids := getFlagBool(cmd, "skip-missing-taxids")
		nameMappingFiles := getFlagStringSlice(cmd, "name-map")

		if dbDir == "" {
			checkError(fmt.Errorf("flag -d/--db-dir needed"))
		}
		if taxdumpDir == "" {
			checkError(fmt.Errorf("flag -T/--taxdump needed"))
		}
		if r, ok := rankAliases[strings.ToUpper(rank)]; ok && len(rank) == 1 {
			rank = r
		} else {
			rank = strings.ToLower(rank)
		}

		files := getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
		if len(files) != 1 {
			checkError(fmt.Errorf("exactly one classification report should be given, got %d", len(files)))
		}
		file := files[0]
		if isStdin(file) && !detectStdin() {
			checkError(fmt.Errorf("stdin not detected, given no report file"))
		}

		var namesMap map[string]string
		if len(nameMappingFiles) != 0 {
			var err error
			namesMap, err = cliutil.ReadKVs(nameMappingFiles[0], false)
			checkError(errors.Wrap(err, nameMappingFiles[0]))
			for _, nameMappingFile := range nameMappingFiles[1:] {
				_namesMap, err := cliutil.ReadKVs(nameMappingFile, false)
				checkError(errors.Wrap(err, nameMappingFile))
				for k, v := range _namesMap {
					namesMap[k] = v
				}
			}
			if opt.Verbose || opt.Log2File {
				log.Infof("%d custom taxon names loaded", len(namesMap))
			}
		}

		// ---------------------------------------------------------------
		// taxonomy, database, report

		taxondb := loadTaxonomy(opt, expandPath(taxdumpDir))
		tree, err := taxtree.FromTaxdump(taxondb)
		checkError(errors.Wrap(err, "converting taxonomy"))

		m, info, err := model.LoadFromDir(expandPath(dbDir), tree, opt.NumCPUs, 64)
		checkError(errors.Wrap(err, dbDir))
		if opt.Verbose || opt.Log2File {
			log.Infof("%s", info)
		}

		rep, err := kreport.ParseFile(file, opt.NumCPUs, 64)
		checkError(errors.Wrap(err, file))
		if opt.Verbose || opt.Log2File {
			log.Infof("report %s: %d classified and %d unclassified reads over %d taxa",
				file, rep.Classified, rep.Unclassified, len(rep.Records))
		}

		if n := rep.Remap(func(taxid uint32) (uint32, bool) {
			newid, ok := taxondb.MergeNodes[taxid]
			return newid, ok
		}); n > 0 && (opt.Verbose || opt.Log2File) {
			log.Infof("%d taxids resolved via merged.dmp", n)
		}
		if missing := rep.CheckTaxa(tree); len(missing) > 0 {
			if !skipMissingTaxids {
				checkError(errors.Wrapf(kreport.ErrMalformedReport,
					"%d taxid(s) not found in taxonomy (first: %d); use --skip-missing-taxids to treat their reads as unresolved",
					len(missing), missing[0]))
			}
			for _, taxid := range missing {
				log.Warningf("taxid not found in taxonomy, its reads will be unresolved: %d", taxid)
			}
		}

		// ---------------------------------------------------------------
		// estimation

		res, err := estimator.Run(tree, m, rep, estimator.Options{
			TargetRank:       rank,
			MinReads:         minReads,
			AllowMissingTaxa: skipMissingTaxids,
		})
		checkError(errors.Wrap(err, file))

		for _, taxid := range res.MissingModelTaxa {
			log.Warningf("no distribution entry for taxon, falling back to raw estimates: %d", taxid)
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("reads at %s rank: %d", rank, res.ReadsAtRank)
			log.Infof("reads below %s rank, absorbed: %d", rank, res.ReadsBelowRank)
			log.Infof("reads above %s rank: %d, distributed: %d", rank, res.ReadsAboveRank, res.DistributedReads)
			log.Infof("unresolved reads: %d", res.UnresolvedReads)
			if res.FilteredTaxa > 0 {
				log.Infof("taxa filtered out (< %d reads): %d", minReads, res.FilteredTaxa)
			}
			log.Infof("%d taxa reported at %s rank", len(res.Estimates), rank)
		}

		// ---------------------------------------------------------------
		// output

		outfh, gw, w, err := outStream(outFile, isGzipSuffix(outFile), opt.CompressionLevel)
		checkError(err)
		defer func() {
			outfh.Flush()
			if gw != nil {
				gw.Close()
			}
			w.Close()
		}()

		estimates := make([]estimator.Estimate, len(res.Estimates))
		copy(estimates, res.Estimates)
		sorts.Quicksort(Estimates(estimates))

		header := "name\ttaxonomy_id\ttaxonomy_lvl\tkraken_assigned_reads\tadded_reads\tnew_est_reads\tfraction_total_reads"
		if !noLineage {
			header += "\tlineage"
		}
		fmt.Fprintln(outfh, header)

		name := func(taxid uint32) string {
			if namesMap != nil {
				if n, ok := namesMap[strconv.FormatUint(uint64(taxid), 10)]; ok {
					return n
				}
			}
			return tree.Name(taxid)
		}

		for _, e := range estimates {
			fmt.Fprintf(outfh, "%s\t%d\t%s\t%d\t%d\t%d\t%.5f",
				name(e.Taxid), e.Taxid, rank,
				e.AssignedReads, e.AddedReads, e.EstimatedReads, e.Fraction)
			if !noLineage {
				fmt.Fprintf(outfh, "\t%s", strings.Join(taxondb.LineageNames(e.Taxid), ";"))
			}
			fmt.Fprintln(outfh)
		}

		// reads on lineages without a target-rank taxon are reported,
		// never silently dropped
		if res.UnresolvedReads > 0 {
			var fraction float64
			if res.TotalReads > 0 {
				fraction = float64(res.UnresolvedReads) / float64(res.TotalReads)
			}
			fmt.Fprintf(outfh, "unresolved\t0\t%s\t%d\t0\t%d\t%.5f", rank,
				res.UnresolvedReads, res.UnresolvedReads, fraction)
			if !noLineage {
				fmt.Fprint(outfh, "\t")
			}
			fmt.Fprintln(outfh)
		}
	},
}

// Estimates sorts corrected abundances for output: highest estimate
// first, ties by taxid.
type Estimates []estimator.Estimate

func (es Estimates) Len() int { return len(es) }
func (es Estimates) Less(i, j int) bool {
	if es[i].EstimatedReads != es[j].EstimatedReads {
		return es[i].EstimatedReads > es[j].EstimatedReads
	}
	return es[i].Taxid < es[j].Taxid
}
func (es Estimates) Swap(i, j int) { es[i], es[j] = es[j], es[i] }

func init() {
	RootCmd.AddCommand(estimateCmd)

	estimateCmd.Flags().StringP("db-dir", "d", "",
		formatFlagUsage(`Directory of the distribution database created by "reabund build".`))
	estimateCmd.Flags().StringP("taxdump", "T", "",
		formatFlagUsage(`Directory of NCBI taxonomy dump files: nodes.dmp, names.dmp,
		and optionally merged.dmp and delnodes.dmp.`))
	estimateCmd.Flags().StringP("rank", "r", "species",
		formatFlagUsage(`Target rank to estimate abundance at, a canonical NCBI rank name
		or one of D/K/P/C/O/F/G/S.`))
	estimateCmd.Flags().IntP("min-reads", "m", 0,
		formatFlagUsage(`Filter out taxa with fewer estimated reads, reallocating their
		reads to surviving relatives. 0 for no filtering.`))
	estimateCmd.Flags().StringSliceP("name-map", "N", nil,
		formatFlagUsage(`Tab-delimited two-column file(s) mapping taxids to custom taxon
		names shown in the output, overriding names.dmp.`))
	estimateCmd.Flags().BoolP("no-lineage", "", false,
		formatFlagUsage(`Do not output the complete lineage column.`))
	estimateCmd.Flags().BoolP("skip-missing-taxids", "", false,
		formatFlagUsage(`Do not reject a report referencing taxids unknown to the taxonomy;
		count their reads as unresolved instead.`))
	estimateCmd.Flags().StringP("out-file", "o", "-",
		formatFlagUsage(`Out file, supports and recommends a ".gz" suffix ("-" for stdout).`))

	estimateCmd.SetUsageTemplate(usageTemplate("[flags] -d <db dir> -T <taxdump dir> <report file>"))
}
