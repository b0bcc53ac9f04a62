package main

import (
	"log"
	"os"
	"strings"
)

// DI selects how dependencies are wired: "dig" (default) or "manual".
func main() {
	switch strings.ToLower(os.Getenv("DI")) {
	case "", "dig":
		startWithDig()
	case "manual":
		startManual()
	default:
		log.Fatalf("unknown DI mode %q", os.Getenv("DI"))
	}
}
