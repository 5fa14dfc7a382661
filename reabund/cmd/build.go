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
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/model"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
	"github.com/shenwei356/breader"
	"github.com/shenwei356/util/stats"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a read classification distribution database",
	Long: `Build a read classification distribution database

The database records, for every reference genome, where the classifier
puts reads simulated from that genome: at the genome's own taxon, at
one of its ancestors, or nowhere. These per-genome distributions are
what the estimate command later inverts to pull ancestor-level reads
back down.

Input:
  Tab-delimited training files, plain or gzipped, one outcome per line:

    source_taxid <tab> classified_taxid [<tab> read_count]

  source_taxid is the taxon the reads were simulated from,
  classified_taxid is where the classifier placed them (0 for
  unclassified), read_count defaults to 1. Lines starting with "#" are
  ignored. Outcomes of the same pair accumulate across lines and files.

Attention:
  1. A classified_taxid must be the source taxon itself or one of its
     ancestors; anything else means broken training data and aborts
     the build.
  2. Taxids deprecated by a taxonomy update are resolved via merged.dmp
     before any check.

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

		outDir := getFlagString(cmd, "out-dir")
		force := getFlagBool(cmd, "force")
		taxdumpDir := getFlagString(cmd, "taxdump")
		inDir := getFlagString(cmd, "in-dir")
		reFileStr := getFlagString(cmd, "file-regexp")
		minTrainingReads := uint64(getFlagPositiveInt(cmd, "min-training-reads"))

		if outDir == "" {
			checkError(fmt.Errorf("flag -O/--out-dir needed"))
		}
		if taxdumpDir == "" {
			checkError(fmt.Errorf("flag -T/--taxdump needed"))
		}

		// ---------------------------------------------------------------
		// input files

		var files []string
		if inDir != "" {
			if len(args) > 0 {
				checkError(fmt.Errorf("given -I/--in-dir, no positional arguments should be given"))
			}
			reFile, err := regexp.Compile("(?i)" + reFileStr)
			checkError(errors.Wrapf(err, "failed to parse regular expression for matching files: %s", reFileStr))

			files, err = getFileListFromDir(expandPath(inDir), reFile, opt.NumCPUs)
			checkError(errors.Wrapf(err, "walking dir: %s", inDir))
			if len(files) == 0 {
				checkError(fmt.Errorf("no files matching %s found in dir: %s", reFileStr, inDir))
			}
		} else {
			files = getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
			if len(files) == 1 && isStdin(files[0]) && !detectStdin() {
				checkError(fmt.Errorf("stdin not detected, given no training files"))
			}
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("%d training file(s) given", len(files))
		}

		// ---------------------------------------------------------------
		// taxonomy

		taxondb := loadTaxonomy(opt, expandPath(taxdumpDir))
		tree, err := taxtree.FromTaxdump(taxondb)
		checkError(errors.Wrap(err, "converting taxonomy"))

		// ---------------------------------------------------------------
		// tallying

		showProgressBar := len(files) > 1 && opt.Verbose && !opt.Log2File

		var pbs *mpb.Progress
		var bar *mpb.Bar
		var chDuration chan time.Duration
		var doneDuration chan int
		if showProgressBar {
			pbs = mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
			bar = pbs.AddBar(int64(len(files)),
				mpb.BarStyle("[=>-]<+"),
				mpb.PrependDecorators(
					decor.Name("processing file: ", decor.WC{W: len("processing file: "), C: decor.DidentRight}),
					decor.Name("", decor.WCSyncSpaceR),
					decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.EwmaETA(decor.ET_STYLE_GO, 10),
					decor.OnComplete(decor.Name(""), ". done"),
				),
			)

			chDuration = make(chan time.Duration, opt.NumCPUs)
			doneDuration = make(chan int)
			go func() {
				for t := range chDuration {
					bar.Increment()
					bar.DecoratorEwmaUpdate(t)
				}
				doneDuration <- 1
			}()
		}

		builder := model.NewBuilder()
		chBuilder := make(chan *model.Builder, opt.NumCPUs)
		doneMerge := make(chan int)
		go func() {
			for b := range chBuilder {
				builder.Merge(b)
			}
			doneMerge <- 1
		}()

		var wg sync.WaitGroup
		tokens := make(chan int, opt.NumCPUs)

		type outcome struct {
			source, node uint32
			count        uint64
		}

		for _, file := range files {
			wg.Add(1)
			tokens <- 1

			go func(file string) {
				startTime := time.Now()
				defer func() {
					wg.Done()
					<-tokens
					if showProgressBar {
						chDuration <- time.Since(startTime)
					}
				}()

				items := make([]string, 3)
				fn := func(line string) (interface{}, bool, error) {
					if len(line) == 0 || line[0] == '#' || line == "\n" {
						return nil, false, nil
					}
					stringSplitNByByte(line, '\t', 3, &items)
					if len(items) < 2 {
						return nil, false, fmt.Errorf("invalid training record: %s", line)
					}

					source, err := strconv.ParseUint(items[0], 10, 32)
					if err != nil {
						return nil, false, fmt.Errorf("invalid source taxid: %s", items[0])
					}
					last := items[len(items)-1]
					if i := len(last) - 1; i >= 0 && (last[i] == '\n' || last[i] == '\r') {
						items[len(items)-1] = last[:i]
					}
					node, err := strconv.ParseUint(items[1], 10, 32)
					if err != nil {
						return nil, false, fmt.Errorf("invalid classified taxid: %s", items[1])
					}

					count := uint64(1)
					if len(items) == 3 {
						count, err = strconv.ParseUint(items[2], 10, 64)
						if err != nil {
							return nil, false, fmt.Errorf("invalid read count: %s", items[2])
						}
					}
					return outcome{source: uint32(source), node: uint32(node), count: count}, true, nil
				}

				reader, err := breader.NewBufferedReader(file, 1, 64, fn)
				checkError(errors.Wrap(err, file))

				b := model.NewBuilder()
				var data interface{}
				for chunk := range reader.Ch {
					checkError(errors.Wrap(chunk.Err, file))
					for _, data = range chunk.Data {
						o := data.(outcome)
						if o.count == 0 {
							continue
						}
						// deprecated taxids first
						if newid, ok := taxondb.MergeNodes[o.source]; ok {
							o.source = newid
						}
						if newid, ok := taxondb.MergeNodes[o.node]; ok {
							o.node = newid
						}
						b.Add(o.source, o.node, o.count)
					}
				}
				chBuilder <- b
			}(file)
		}

		wg.Wait()
		close(chBuilder)
		<-doneMerge
		if showProgressBar {
			close(chDuration)
			<-doneDuration
			pbs.Wait()
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("%s simulated reads of %d reference taxa tallied",
				humanize.Comma(int64(builder.Reads())), builder.Taxa())
		}

		// ---------------------------------------------------------------
		// normalization

		dropped := builder.Prune(tree, minTrainingReads)
		for _, taxid := range dropped {
			log.Warningf("reference taxon skipped (unknown taxid or < %d training reads): %d", minTrainingReads, taxid)
		}
		if builder.Taxa() == 0 {
			checkError(fmt.Errorf("no reference taxon left after pruning"))
		}

		m, err := builder.Build(tree)
		checkError(errors.Wrap(err, "building model"))

		if opt.Verbose || opt.Log2File {
			quantiler := stats.NewQuantiler()
			for taxid, e := range m.Entries {
				quantiler.Add(e.Prob[taxid])
			}
			log.Infof("self-classification probability: median %.4f, 10th percentile %.4f",
				quantiler.Percentile(50), quantiler.Percentile(10))
		}

		// ---------------------------------------------------------------
		// output

		makeOutDir(outDir, force)
		checkError(m.WriteToDir(outDir))

		if opt.Verbose || opt.Log2File {
			log.Infof("database saved to: %s", outDir)
		}
	},
}

func init() {
	RootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("out-dir", "O", "",
		formatFlagUsage(`Output directory of the distribution database.`))
	buildCmd.Flags().BoolP("force", "", false,
		formatFlagUsage(`Overwrite the existing output directory.`))
	buildCmd.Flags().StringP("taxdump", "T", "",
		formatFlagUsage(`Directory of NCBI taxonomy dump files: nodes.dmp, names.dmp,
		and optionally merged.dmp and delnodes.dmp.`))
	buildCmd.Flags().StringP("in-dir", "I", "",
		formatFlagUsage(`Directory containing training files. Directory symlinks are followed.`))
	buildCmd.Flags().StringP("file-regexp", "r", `\.tsv(\.gz)?$`,
		formatFlagUsage(`Regular expression for matching training files in -I/--in-dir,
		case ignored.`))
	buildCmd.Flags().IntP("min-training-reads", "m", 1,
		formatFlagUsage(`Minimal number of simulated reads for a reference taxon to enter
		the database.`))

	buildCmd.SetUsageTemplate(usageTemplate("[flags] <training files>"))
}
