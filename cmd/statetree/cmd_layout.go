// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetree/services/statetree/tree"
)

func runLayout(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	for _, s := range []struct {
		name  string
		state any
	}{
		{"World", &World{}},
		{"Inventory", &Inventory{}},
		{"Adder", &Adder{}},
	} {
		fmt.Fprintf(w, "%s size=%d alt=%d\n", s.name, tree.SizeOf(s.state), tree.AltSizeOf(s.state))
		writeLayout(w, s.state, 0, 1)
		fmt.Fprintln(w)
	}
	return nil
}

// writeLayout prints the fields of s, whose own offset is base, one line
// per field with its absolute offset.
func writeLayout(w io.Writer, s any, base uint64, depth int) {
	comp, ok := s.(tree.Composite)
	if !ok {
		return
	}
	fields := comp.Fields()
	for i, info := range tree.Describe(s) {
		offset := base + uint64(info.Offset)
		child := fields[i].State()
		fmt.Fprintf(w, "%s%-*s @%-3d size=%-3d %T\n",
			strings.Repeat("  ", depth), 12-2*depth, info.Name, offset, info.Size, child)
		writeLayout(w, child, offset, depth+1)
	}
}
