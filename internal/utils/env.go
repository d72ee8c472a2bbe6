// Package utils holds process-level helpers.
package utils

import "os"

// SafeEnv returns the environment variable value for key, or fallback if empty.
func SafeEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// BuildInfo identifies the running binary. Release images set it through
// COVFEE_COMMIT and COVFEE_BUILD_TIME.
type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func ReadBuildInfo() BuildInfo {
	return BuildInfo{
		Commit:    SafeEnv("COVFEE_COMMIT", "dev"),
		BuildTime: SafeEnv("COVFEE_BUILD_TIME", "unknown"),
	}
}
