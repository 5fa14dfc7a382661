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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	gzip "github.com/klauspost/pgzip"
)

func TestIsGzipSuffix(t *testing.T) {
	tests := []struct {
		file string
		want bool
	}{
		{"out.tsv.gz", true},
		{"OUT.TSV.GZ", true},
		{"out.tsv", false},
		{"-", false},
		{"out.gzip", false},
	}
	for _, tc := range tests {
		if got := isGzipSuffix(tc.file); got != tc.want {
			t.Errorf("isGzipSuffix(%q): got %v, want %v", tc.file, got, tc.want)
		}
	}
}

func TestOutStreamGzip(t *testing.T) {
	dir, err := ioutil.TempDir("", "reabund")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "out.tsv.gz")
	outfh, gw, w, err := outStream(file, isGzipSuffix(file), -1)
	if err != nil {
		t.Fatalf("opening %s: %s", file, err)
	}
	if _, err = outfh.WriteString("taxid\treads\n"); err != nil {
		t.Fatal(err)
	}
	outfh.Flush()
	if gw == nil {
		t.Fatal("no gzip writer for a .gz file")
	}
	gw.Close()
	w.Close()

	fh, err := os.Open(file)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	r, err := gzip.NewReader(fh)
	if err != nil {
		t.Fatalf("output is not gzipped: %s", err)
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "taxid\treads\n" {
		t.Errorf("content: got %q", data)
	}
}
