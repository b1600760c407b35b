// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// mysbridge - MySensors gateway bridge
//
// Sits between a MySensors gateway and a home automation controller,
// forwarding serial protocol frames in both directions while serving
// over-the-air firmware updates to nodes on its own.

package main

import (
	"os"

	"github.com/Thermoquad/mysbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
