package logging

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// WithAccount builds a log entry carrying account identification fields.
// Any extras passed in are merged (extras take precedence on key conflicts).
func WithAccount(accountID, serverURL string, extras log.Fields) *log.Entry {
	fields := log.Fields{
		"account_id": accountID,
		"server_url": serverURL,
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// WithFile builds a log entry carrying the discovery file identity.
func WithFile(fileURL string, extras log.Fields) *log.Entry {
	fields := log.Fields{"file": fileURL}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS converts a duration to integer milliseconds for logging.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }
