package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmdtest"
	"github.com/pkg/fileutils"
)

var update = flag.Bool("update", false, "update test files with results")

func TestCLI(t *testing.T) {
	ts, err := cmdtest.Read("testdata")
	if err != nil {
		t.Fatal(err)
	}
	srcdir, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	ts.Setup = func(dir string) (err error) {
		err = fileutils.CopyFile(filepath.Join(dir, "legacy.json"), filepath.Join(srcdir, "testdata/legacy.json"))
		if err != nil {
			panic(err)
		}
		return
	}
	ts.Commands["mlm"] = cmdtest.InProcessProgram("mlm", run)
	ts.Run(t, *update)
}
