// control/logging.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-tcp/api"
)

// ConfigureLogging sets the global logrus level and a text formatter with
// full timestamps.
func ConfigureLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return api.Wrap(api.KindGeneric, "control: parse log level", err).WithContext("level", level)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return nil
}
