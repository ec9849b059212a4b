package main

import (
	"os"
	"syscall"
)

func ignoredSignal(sig os.Signal) bool {
	// ignore SIGURG entirely, it's used for real-time scheduling notifications
	return sig == syscall.SIGURG
}
