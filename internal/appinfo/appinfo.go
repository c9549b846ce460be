// Package appinfo holds process-wide naming constants used by the logger and
// the default filesystem layout.
package appinfo

const (
	// AppName is the product name used for log file names and per-user data
	// directories.
	AppName = "Kabegame"

	// LogSubDir is the path under the user's home directory that holds log
	// files on non-Windows platforms.
	LogSubDir = ".kabegame/logs"

	// LogWinSubDir is the path under the user's cache directory that holds
	// log files on Windows.
	LogWinSubDir = "Kabegame/Logs"

	// LogExt is the log file extension.
	LogExt = ".log"
)
