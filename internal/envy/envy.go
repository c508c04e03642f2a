// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

// Package envy exposes environment variables for all registered flags.
package envy

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Parse exposes environment variables for all flags in the default
// FlagSet (flag.CommandLine) in the form of PREFIX_FLAGNAME.  Flags
// set explicitly on the command line take precedence over environment
// variables.
func Parse(prefix string) {
	update(prefix, flag.CommandLine)
}

func update(prefix string, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		name := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(f.Name))
		name = strings.ReplaceAll(name, "-", "_")

		if val := os.Getenv(name); val != "" && !set[f.Name] {
			fs.Set(f.Name, val)
		}

		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, name)
	})
}
