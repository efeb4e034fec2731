package chesstournament

import (
	"fmt"
	"time"
)

const (
	UnsetValue = -1
)

const (
	DefaultBestOf           = 1
	DefaultConcurrency      = 2
	DefaultMaxRetries       = 3
	DefaultMatchDeadlineSec = 180
	DefaultMaxPly           = 512
	DefaultPoolBuffer       = 2

	RetryBackoffBase = 2 * time.Second
	RetryBackoffMax  = 60 * time.Second

	SnapshotInterval = 200 * time.Millisecond
)

func LogJSON(msg string, jsonPrinter func() (string, error)) {
	json, _ := jsonPrinter()
	fmt.Printf("\n===== [%s] =====\n%s\n", msg, json)
}
