package version

// NautSyncSemVer is the current semantic version of nautsync. A build
// pipeline may override it via -ldflags.
var NautSyncSemVer = "0.1.0"
