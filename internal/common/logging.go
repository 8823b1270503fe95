package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[bcloader] ", log.LstdFlags|log.Lmicroseconds)
)

// SetOutput redirects the process-wide logger, typically to a rotating sink.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
