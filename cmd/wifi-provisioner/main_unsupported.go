//go:build !linux

package main

import "os"

func ignoredSignal(_ os.Signal) bool {
	return false
}
