package common

// Version is set at build time with
// -ldflags "-X github.com/ruteri/tee-secure-value-recovery/common.Version=...".
var Version = "dev"

// PackageName prefixes exported metric names.
const PackageName = "svr"
