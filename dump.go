package mealplanagent

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
)

// Fdump writes a labelled dump to w, skipping unexported pointer noise.
func Fdump(w io.Writer, label string, v any) {
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
	fmt.Fprintf(w, "== %s ==\n", label)
	cfg.Fdump(w, v)
}
