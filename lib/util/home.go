// Package util holds process-wide helpers shared by the command line tool.
package util

import (
	"os"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// UserHome returns the directory configuration lives under. It tries
// os.UserHomeDir, then $HOME and %USERPROFILE%, then the working directory.
func UserHome() string {
	home, err := os.UserHomeDir()
	if err == nil {
		return home
	}
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if v := os.Getenv(env); v != "" {
			log.WithError(err).WithField("env", env).Warn("os.UserHomeDir failed, using environment")
			return v
		}
	}
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		panic("go-secchan: unable to determine a home directory; set $HOME")
	}
	log.WithError(err).WithField("dir", wd).Warn("no home directory, using working directory")
	return wd
}
