package gearman

import "github.com/sirupsen/logrus"

// silentLogger is the zero-value logging backend: a real logrus.Logger
// configured to emit nothing, so using the library without opting into
// diagnostics produces no output — the same silence jasonmoo-cog's
// Client/Worker/Server give you, just backed by a structured logger
// instead of the absence of one.
func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
